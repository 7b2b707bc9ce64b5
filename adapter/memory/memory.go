// Package memory provides an in-process adapter driver. Topics are
// partitioned slices and consumer groups keep per-partition offsets, so it
// behaves like a broker without leaving the process. Useful for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// AdapterName is the name used to register this driver.
const AdapterName = "memory"

const defaultRetentionHours = 168

func init() {
	adapter.RegisterWithCapabilities(AdapterName, Build, adapter.MemoryCapabilities)
}

// Config tunes the memory driver. Zero values fall back to defaults.
type Config struct {
	Partitions      int
	RetentionHours  int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	PollInterval    time.Duration
}

// Build creates a memory adapter from the shared adapter config.
func Build(ctx context.Context, cfg adapter.Config, opts adapter.Options) (adapter.Adapter, error) {
	return New(Config{
		Partitions:      cfg.GetPartitions(),
		RetentionHours:  cfg.GetRetentionHours(),
		MaxDeliveries:   cfg.GetMaxDeliveries(),
		RedeliveryDelay: cfg.GetRedeliveryDelay(),
	}, opts), nil
}

// Adapter is the in-memory driver.
type Adapter struct {
	cfg        Config
	log        logging.ServiceLogger
	dispatcher *adapter.GroupDispatcher
	replays    *adapter.ReplayTracker

	mu          sync.RWMutex
	topics      map[string]*topicLog
	committed   map[string]map[string][]int
	groupTopics map[string]map[string]struct{}
	dlq         map[string][]adapter.DLQEntry
	closed      bool
}

type topicLog struct {
	partitions [][]adapter.Record
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.DLQReader = (*Adapter)(nil)
var _ adapter.ReplayCanceller = (*Adapter)(nil)

// New creates a memory adapter.
func New(cfg Config, opts adapter.Options) *Adapter {
	cfg.Partitions = adapter.MemoryCapabilities.PartitionsFor(cfg.Partitions)
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = defaultRetentionHours
	}
	log := logging.OrNop(opts.Logger)

	a := &Adapter{
		cfg:         cfg,
		log:         log,
		replays:     adapter.NewReplayTracker(log),
		topics:      make(map[string]*topicLog),
		committed:   make(map[string]map[string][]int),
		groupTopics: make(map[string]map[string]struct{}),
		dlq:         make(map[string][]adapter.DLQEntry),
	}
	a.dispatcher = adapter.NewGroupDispatcher(partitionLog{a: a}, adapter.DispatcherConfig{
		MaxDeliveries:   cfg.MaxDeliveries,
		RedeliveryDelay: cfg.RedeliveryDelay,
		PollInterval:    cfg.PollInterval,
		Logger:          log,
		Observer:        opts.Observer,
		DeadLetter:      a.deadLetter,
	})
	return a
}

// Capabilities returns the capabilities of this driver.
func (a *Adapter) Capabilities() adapter.Capabilities {
	caps := adapter.MemoryCapabilities
	caps.DefaultPartitions = a.cfg.Partitions
	return caps
}

func (a *Adapter) checkOpen(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errspkg.FromContext(op, err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errspkg.E(op, errspkg.ErrClosed, nil)
	}
	return nil
}

// Publish appends env to the partition selected by its partition key.
func (a *Adapter) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	if err := adapter.ValidatePublish("publish", topic, env); err != nil {
		return adapter.PublishResult{}, err
	}
	if err := a.checkOpen(ctx, "publish"); err != nil {
		return adapter.PublishResult{}, err
	}
	options := adapter.ResolvePublishOptions(env, opts...)

	a.mu.Lock()
	t := a.ensureTopicLocked(topic)
	p := adapter.PartitionFor(options.PartitionKey, len(t.partitions))
	offset := len(t.partitions[p])
	t.partitions[p] = append(t.partitions[p], adapter.Record{
		Envelope:     env,
		Topic:        topic,
		Partition:    p,
		Offset:       strconv.Itoa(offset),
		PartitionKey: options.PartitionKey,
		PublishedAt:  time.Now().UTC(),
	})
	a.mu.Unlock()

	a.dispatcher.Notify(topic, p)
	return adapter.PublishResult{
		Status:    adapter.StatusPublished,
		MessageID: fmt.Sprintf("%d-%d", p, offset),
		Partition: p,
	}, nil
}

// Subscribe adds handler as a member of group.
func (a *Adapter) Subscribe(ctx context.Context, topic, group string, handler adapter.Handler) (adapter.Subscription, error) {
	if err := adapter.ValidateSubscription("subscribe", topic, group); err != nil {
		return adapter.Subscription{}, err
	}
	if err := a.checkOpen(ctx, "subscribe"); err != nil {
		return adapter.Subscription{}, err
	}

	a.mu.Lock()
	a.ensureTopicLocked(topic)
	a.ensureGroupLocked(topic, group)
	a.mu.Unlock()

	return a.dispatcher.Add(ctx, topic, group, handler)
}

// Unsubscribe removes a member. The group keeps its offsets.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return a.dispatcher.Remove(subscriptionID)
}

// ListTopics returns event topics visible to tenantID.
func (a *Adapter) ListTopics(ctx context.Context, tenantID string) ([]string, error) {
	if err := a.checkOpen(ctx, "list_topics"); err != nil {
		return nil, err
	}
	a.mu.RLock()
	names := make([]string, 0, len(a.topics))
	for name := range a.topics {
		names = append(names, name)
	}
	a.mu.RUnlock()
	return adapter.FilterTopics(names, tenantID), nil
}

// GetTopicInfo describes topic. Unknown topics report zero messages.
func (a *Adapter) GetTopicInfo(ctx context.Context, topic string) (adapter.TopicInfo, error) {
	if err := adapter.ValidateTopic("get_topic_info", topic); err != nil {
		return adapter.TopicInfo{}, err
	}
	if err := a.checkOpen(ctx, "get_topic_info"); err != nil {
		return adapter.TopicInfo{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	info := adapter.TopicInfo{
		Topic:          topic,
		PartitionCount: a.cfg.Partitions,
		ConsumerGroups: []string{},
		RetentionHours: a.cfg.RetentionHours,
	}
	if t, ok := a.topics[topic]; ok {
		info.PartitionCount = len(t.partitions)
		for _, records := range t.partitions {
			info.MessageCount += int64(len(records))
		}
	}
	for group, topics := range a.groupTopics {
		if _, ok := topics[topic]; ok {
			info.ConsumerGroups = append(info.ConsumerGroups, group)
		}
	}
	sort.Strings(info.ConsumerGroups)
	return info, nil
}

// ListConsumerGroups returns the groups visible to tenantID.
func (a *Adapter) ListConsumerGroups(ctx context.Context, tenantID string) ([]adapter.ConsumerGroupInfo, error) {
	if err := a.checkOpen(ctx, "list_consumer_groups"); err != nil {
		return nil, err
	}

	members := make(map[string][]string)
	for _, view := range a.dispatcher.Groups() {
		members[view.Group] = append(members[view.Group], view.Members...)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	groups := make([]adapter.ConsumerGroupInfo, 0, len(a.groupTopics))
	for group, topics := range a.groupTopics {
		info := adapter.ConsumerGroupInfo{
			Name:    group,
			Topics:  sortedKeys(topics),
			Members: members[group],
		}
		if info.Members == nil {
			info.Members = []string{}
		}
		for _, lag := range a.partitionLagsLocked(group) {
			info.Lag += lag.Lag
		}
		groups = append(groups, info)
	}
	return adapter.FilterGroups(groups, tenantID), nil
}

// GetConsumerLag sums the uncommitted records of group across its topics.
func (a *Adapter) GetConsumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	if err := adapter.ValidateGroup("get_consumer_lag", group); err != nil {
		return adapter.ConsumerLag{}, err
	}
	if err := a.checkOpen(ctx, "get_consumer_lag"); err != nil {
		return adapter.ConsumerLag{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	lag := adapter.ConsumerLag{ConsumerGroup: group, PartitionLags: a.partitionLagsLocked(group)}
	for _, p := range lag.PartitionLags {
		lag.TotalLag += p.Lag
	}
	return lag, nil
}

// SendToDLQ stores env and its failure context under group.
func (a *Adapter) SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error {
	if err := adapter.ValidateDLQ("send_to_dlq", group, env); err != nil {
		return err
	}
	if err := a.checkOpen(ctx, "send_to_dlq"); err != nil {
		return err
	}
	entry := adapter.NewDLQEntry(adapter.SourceTopic(ctx), env, cause, group)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.dlq[group] = append(a.dlq[group], entry)
	return nil
}

// ListDLQ returns up to limit dead-lettered entries of group, oldest first.
func (a *Adapter) ListDLQ(ctx context.Context, group string, limit int) ([]adapter.DLQEntry, error) {
	if err := adapter.ValidateGroup("list_dlq", group); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := a.dlq[group]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]adapter.DLQEntry(nil), entries...), nil
}

// ReplayEvents re-publishes the selected history of req.Topic.
func (a *Adapter) ReplayEvents(ctx context.Context, req adapter.ReplayRequest) (adapter.ReplayJob, error) {
	if err := adapter.ValidateReplay("replay_events", req); err != nil {
		return adapter.ReplayJob{}, err
	}
	if err := a.checkOpen(ctx, "replay_events"); err != nil {
		return adapter.ReplayJob{}, err
	}

	a.mu.RLock()
	var history []adapter.Record
	if t, ok := a.topics[req.Topic]; ok {
		for _, records := range t.partitions {
			history = append(history, records...)
		}
	}
	a.mu.RUnlock()

	return a.replays.Start(req, adapter.SelectHistory(history, req), a.republish)
}

func (a *Adapter) republish(ctx context.Context, rec adapter.Record) error {
	_, err := a.Publish(ctx, rec.Topic, rec.Envelope, adapter.WithPartitionKey(rec.PartitionKey))
	return err
}

// GetReplayStatus returns the progress of a replay job.
func (a *Adapter) GetReplayStatus(ctx context.Context, replayID string) (adapter.ReplayJob, error) {
	return a.replays.Get(replayID)
}

// CancelReplay stops a running replay job.
func (a *Adapter) CancelReplay(ctx context.Context, replayID string) error {
	return a.replays.Cancel(replayID)
}

// Close stops replays and consumers. Stored data is discarded with the adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.replays.Close()
	a.dispatcher.Close()
	return nil
}

func (a *Adapter) deadLetter(ctx context.Context, rec adapter.Record, group string, cause error) error {
	return a.SendToDLQ(adapter.WithSourceTopic(ctx, rec.Topic), rec.Envelope, cause, group)
}

func (a *Adapter) ensureTopicLocked(topic string) *topicLog {
	t, ok := a.topics[topic]
	if !ok {
		t = &topicLog{partitions: make([][]adapter.Record, a.cfg.Partitions)}
		a.topics[topic] = t
	}
	return t
}

func (a *Adapter) ensureGroupLocked(topic, group string) []int {
	topics, ok := a.groupTopics[group]
	if !ok {
		topics = make(map[string]struct{})
		a.groupTopics[group] = topics
	}
	topics[topic] = struct{}{}

	byTopic, ok := a.committed[group]
	if !ok {
		byTopic = make(map[string][]int)
		a.committed[group] = byTopic
	}
	offsets, ok := byTopic[topic]
	if !ok {
		offsets = make([]int, len(a.ensureTopicLocked(topic).partitions))
		byTopic[topic] = offsets
	}
	return offsets
}

func (a *Adapter) partitionLagsLocked(group string) []adapter.PartitionLag {
	var lags []adapter.PartitionLag
	for _, topic := range sortedKeys(a.groupTopics[group]) {
		t, ok := a.topics[topic]
		if !ok {
			continue
		}
		offsets := a.committed[group][topic]
		for p, records := range t.partitions {
			lags = append(lags, adapter.PartitionLag{
				Topic:     topic,
				Partition: p,
				Lag:       int64(len(records) - offsets[p]),
			})
		}
	}
	return lags
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// partitionLog exposes the adapter's slices to the group dispatcher.
type partitionLog struct {
	a *Adapter
}

func (l partitionLog) Partitions(ctx context.Context, topic string) (int, error) {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	return len(l.a.ensureTopicLocked(topic).partitions), nil
}

func (l partitionLog) Claim(ctx context.Context, topic, group string, partition int, owner string) (bool, error) {
	return true, nil
}

func (l partitionLog) Release(ctx context.Context, topic, group string, partition int, owner string) error {
	return nil
}

func (l partitionLog) Next(ctx context.Context, topic, group string, partition int) (adapter.Record, bool, error) {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	t := l.a.ensureTopicLocked(topic)
	offsets := l.a.ensureGroupLocked(topic, group)
	records := t.partitions[partition]
	if offsets[partition] >= len(records) {
		return adapter.Record{}, false, nil
	}
	return records[offsets[partition]], true, nil
}

func (l partitionLog) Commit(ctx context.Context, topic, group string, rec adapter.Record) error {
	offset, err := strconv.Atoi(rec.Offset)
	if err != nil {
		return fmt.Errorf("memory: invalid offset %q: %w", rec.Offset, err)
	}
	l.a.mu.Lock()
	defer l.a.mu.Unlock()
	offsets := l.a.ensureGroupLocked(topic, group)
	if offset+1 > offsets[rec.Partition] {
		offsets[rec.Partition] = offset + 1
	}
	return nil
}

func (l partitionLog) Pending(ctx context.Context, topic, group string, partition int) (int64, error) {
	l.a.mu.RLock()
	defer l.a.mu.RUnlock()
	t, ok := l.a.topics[topic]
	if !ok {
		return 0, nil
	}
	offsets := l.a.committed[group][topic]
	if offsets == nil {
		return int64(len(t.partitions[partition])), nil
	}
	return int64(len(t.partitions[partition]) - offsets[partition]), nil
}
