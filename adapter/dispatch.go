package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

const (
	defaultMaxDeliveries   = 3
	defaultRedeliveryDelay = 100 * time.Millisecond
	defaultPollInterval    = 50 * time.Millisecond
)

// PartitionLog is the storage side a GroupDispatcher consumes from. Drivers
// implement it over their own data structures.
type PartitionLog interface {
	// Partitions returns the partition count of topic, creating the topic if needed.
	Partitions(ctx context.Context, topic string) (int, error)
	// Claim acquires or renews ownership of a partition for owner. Only the
	// owner may read and commit it.
	Claim(ctx context.Context, topic, group string, partition int, owner string) (bool, error)
	Release(ctx context.Context, topic, group string, partition int, owner string) error
	// Next returns the first record after the group's committed position.
	Next(ctx context.Context, topic, group string, partition int) (Record, bool, error)
	Commit(ctx context.Context, topic, group string, rec Record) error
	// Pending returns how many records the group has not yet committed.
	Pending(ctx context.Context, topic, group string, partition int) (int64, error)
}

// DeadLetterFunc receives records whose deliveries are exhausted.
type DeadLetterFunc func(ctx context.Context, rec Record, group string, cause error) error

// DispatcherConfig tunes a GroupDispatcher. Zero values fall back to defaults.
type DispatcherConfig struct {
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	PollInterval    time.Duration
	Logger          logging.ServiceLogger
	Observer        Observer
	DeadLetter      DeadLetterFunc
}

// GroupDispatcher runs one worker per (topic, group, partition). Each worker
// delivers its partition in order to exactly one member of the group, picked
// as members[partition % len(members)] at delivery time.
type GroupDispatcher struct {
	log      PartitionLog
	cfg      DispatcherConfig
	logger   logging.ServiceLogger
	observer Observer
	owner    string

	mu     sync.Mutex
	groups map[groupKey]*groupState
	subs   map[string]groupKey
	closed bool
	wg     sync.WaitGroup
}

type groupKey struct {
	topic string
	group string
}

type groupState struct {
	members []member
	wake    []chan struct{}
	cancel  context.CancelFunc
}

type member struct {
	id      string
	handler Handler
}

// GroupView is a snapshot of one group's local membership on a topic.
type GroupView struct {
	Topic   string
	Group   string
	Members []string
}

// NewGroupDispatcher creates a dispatcher reading from log.
func NewGroupDispatcher(log PartitionLog, cfg DispatcherConfig) *GroupDispatcher {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = defaultRedeliveryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &GroupDispatcher{
		log:      log,
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger),
		observer: OrNopObserver(cfg.Observer),
		owner:    "owner-" + uuid.NewString(),
		groups:   make(map[groupKey]*groupState),
		subs:     make(map[string]groupKey),
	}
}

// Owner identifies this dispatcher when claiming partitions.
func (d *GroupDispatcher) Owner() string {
	return d.owner
}

// Add registers handler as a new member of group on topic. Workers for the
// pair start with the first member.
func (d *GroupDispatcher) Add(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, errspkg.Ef("subscribe", errspkg.ErrInvalidArgument, "handler is required")
	}
	partitions, err := d.log.Partitions(ctx, topic)
	if err != nil {
		return Subscription{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Subscription{}, errspkg.E("subscribe", errspkg.ErrClosed, nil)
	}

	id := ids.NewSubscriptionID()
	key := groupKey{topic: topic, group: group}
	state, ok := d.groups[key]
	if ok {
		state.members = appendMember(state.members, member{id: id, handler: handler})
	} else {
		runCtx, cancel := context.WithCancel(context.Background())
		state = &groupState{
			members: []member{{id: id, handler: handler}},
			wake:    make([]chan struct{}, partitions),
			cancel:  cancel,
		}
		for p := range state.wake {
			state.wake[p] = make(chan struct{}, 1)
		}
		d.groups[key] = state
		for p := 0; p < partitions; p++ {
			d.wg.Add(1)
			go d.work(runCtx, key, state, p)
		}
	}
	d.subs[id] = key

	return Subscription{ID: id, Topic: topic, ConsumerGroup: group}, nil
}

// Remove drops a member. Workers stop once the last member of a pair leaves.
func (d *GroupDispatcher) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.subs[id]
	if !ok {
		return errspkg.Ef("unsubscribe", errspkg.ErrSubscriptionNotFound, "subscription %q", id)
	}
	delete(d.subs, id)

	state := d.groups[key]
	kept := make([]member, 0, len(state.members))
	for _, m := range state.members {
		if m.id != id {
			kept = append(kept, m)
		}
	}
	state.members = kept
	if len(kept) == 0 {
		state.cancel()
		delete(d.groups, key)
	}
	return nil
}

// Notify wakes the workers of every group consuming partition of topic.
func (d *GroupDispatcher) Notify(topic string, partition int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, state := range d.groups {
		if key.topic != topic || partition < 0 || partition >= len(state.wake) {
			continue
		}
		select {
		case state.wake[partition] <- struct{}{}:
		default:
		}
	}
}

// Groups returns the local membership of every active pair, sorted.
func (d *GroupDispatcher) Groups() []GroupView {
	d.mu.Lock()
	defer d.mu.Unlock()

	views := make([]GroupView, 0, len(d.groups))
	for key, state := range d.groups {
		members := make([]string, 0, len(state.members))
		for _, m := range state.members {
			members = append(members, m.id)
		}
		views = append(views, GroupView{Topic: key.topic, Group: key.group, Members: members})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Group != views[j].Group {
			return views[i].Group < views[j].Group
		}
		return views[i].Topic < views[j].Topic
	})
	return views
}

// Close stops every worker and waits for in-flight deliveries. It must not
// be called from inside a handler.
func (d *GroupDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, state := range d.groups {
		state.cancel()
	}
	d.groups = make(map[groupKey]*groupState)
	d.subs = make(map[string]groupKey)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *GroupDispatcher) work(ctx context.Context, key groupKey, state *groupState, partition int) {
	defer d.wg.Done()

	logger := d.logger.With(logging.LogFields{
		"topic":          key.topic,
		"consumer_group": key.group,
		"partition":      partition,
	})
	wake := state.wake[partition]
	owned := false
	defer func() {
		if !owned {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := d.log.Release(releaseCtx, key.topic, key.group, partition, d.owner); err != nil {
			logger.Error("Partition release failed", err, nil)
		}
	}()

	for ctx.Err() == nil {
		ok, err := d.log.Claim(ctx, key.topic, key.group, partition, d.owner)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Partition claim failed", err, nil)
			}
			d.wait(ctx, wake)
			continue
		}
		owned = ok
		if !ok {
			d.wait(ctx, wake)
			continue
		}

		rec, found, err := d.log.Next(ctx, key.topic, key.group, partition)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Partition read failed", err, nil)
			}
			d.wait(ctx, wake)
			continue
		}
		if !found {
			d.wait(ctx, wake)
			continue
		}

		if !d.deliver(ctx, logger, key, state, rec) {
			continue
		}
		if err := d.log.Commit(ctx, key.topic, key.group, rec); err != nil {
			if ctx.Err() == nil {
				logger.Error("Offset commit failed", err, logging.LogFields{"event_id": rec.Envelope.ID()})
			}
			d.wait(ctx, wake)
			continue
		}
		d.observe(ctx, key, rec)
	}
}

// deliver hands rec to the owning member until it succeeds, is dead-lettered
// or the worker stops. It reports whether rec may be committed.
func (d *GroupDispatcher) deliver(ctx context.Context, logger logging.ServiceLogger, key groupKey, state *groupState, rec Record) bool {
	for attempt := 1; ; attempt++ {
		handler, ok := d.handlerFor(state, rec.Partition)
		if !ok {
			return false
		}

		err := InvokeHandler(ctx, handler, Delivery{
			Envelope:      rec.Envelope,
			Topic:         key.topic,
			ConsumerGroup: key.group,
			Partition:     rec.Partition,
			Attempt:       attempt,
			PublishedAt:   rec.PublishedAt,
		})
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		fields := logging.LogFields{"event_id": rec.Envelope.ID(), "attempt": attempt}
		if attempt >= d.cfg.MaxDeliveries || errspkg.IsPermanent(err) {
			logger.Error("Delivery exhausted, dead-lettering", err, fields)
			if d.cfg.DeadLetter == nil {
				return true
			}
			if dlqErr := d.cfg.DeadLetter(ctx, rec, key.group, err); dlqErr != nil {
				logger.Error("Dead letter failed", dlqErr, fields)
				d.sleep(ctx, d.cfg.PollInterval)
				return false
			}
			return true
		}

		logger.Debug("Delivery failed, redelivering", fields)
		if !d.sleep(ctx, d.cfg.RedeliveryDelay) {
			return false
		}
	}
}

func (d *GroupDispatcher) handlerFor(state *groupState, partition int) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := MemberFor(partition, len(state.members))
	if idx < 0 {
		return nil, false
	}
	return state.members[idx].handler, true
}

func (d *GroupDispatcher) observe(ctx context.Context, key groupKey, rec Record) {
	pending, err := d.log.Pending(ctx, key.topic, key.group, rec.Partition)
	if err != nil {
		return
	}
	d.observer.ObservePartition(key.topic, key.group, rec.Partition, pending, time.Since(rec.PublishedAt))
}

func (d *GroupDispatcher) wait(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (d *GroupDispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// InvokeHandler calls handler, turning a panic into an error.
func InvokeHandler(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

func appendMember(members []member, m member) []member {
	out := make([]member, 0, len(members)+1)
	out = append(out, members...)
	return append(out, m)
}
