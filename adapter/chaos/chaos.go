// Package chaos wraps an adapter with injected failures for resilience
// tests: random network failures, partial failures where the broker accepts
// a publish but the caller sees an error, and declared outages.
package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// Config sets the failure rates, each in [0, 1].
type Config struct {
	// NetworkFailureRate fails a publish before it reaches the inner adapter.
	NetworkFailureRate float64
	// PartialFailureRate lets a publish through but reports it as failed.
	PartialFailureRate float64
	// Seed makes the failure sequence reproducible. Zero picks a random seed.
	Seed   uint64
	Logger logging.ServiceLogger
}

// Stats counts injected failures.
type Stats struct {
	NetworkFailures int
	PartialFailures int
	OutageFailures  int
}

// Adapter injects failures in front of an inner adapter.
type Adapter struct {
	inner adapter.Adapter
	cfg   Config
	log   logging.ServiceLogger

	mu          sync.Mutex
	rng         *rand.Rand
	outageUntil time.Time
	stats       Stats
	now         func() time.Time
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.DLQReader = (*Adapter)(nil)
var _ adapter.ReplayCanceller = (*Adapter)(nil)

// Wrap returns inner with failure injection in front of it.
func Wrap(inner adapter.Adapter, cfg Config) *Adapter {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Adapter{
		inner: inner,
		cfg:   cfg,
		log:   logging.OrNop(cfg.Logger).With(logging.LogFields{"component": "chaos"}),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:   time.Now,
	}
}

// Inner returns the wrapped adapter.
func (a *Adapter) Inner() adapter.Adapter {
	return a.inner
}

// DeclareOutage makes every operation fail for d.
func (a *Adapter) DeclareOutage(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outageUntil = a.now().Add(d)
	a.log.Info("Outage declared", logging.LogFields{"duration": d.String()})
}

// EndOutage clears a declared outage.
func (a *Adapter) EndOutage() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outageUntil = time.Time{}
}

// Stats returns the failures injected so far.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Adapter) outage(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Before(a.outageUntil) {
		a.stats.OutageFailures++
		return errspkg.Ef(op, errspkg.ErrBackendUnavailable, "injected outage")
	}
	return nil
}

// roll reports whether an event with probability rate happens.
func (a *Adapter) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Float64() < rate
}

func (a *Adapter) count(fn func(*Stats)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.stats)
}

func (a *Adapter) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	if err := a.outage("publish"); err != nil {
		return adapter.PublishResult{}, err
	}
	if a.roll(a.cfg.NetworkFailureRate) {
		a.count(func(s *Stats) { s.NetworkFailures++ })
		return adapter.PublishResult{}, errspkg.Ef("publish", errspkg.ErrBackendUnavailable, "injected network failure")
	}
	partial := a.roll(a.cfg.PartialFailureRate)
	res, err := a.inner.Publish(ctx, topic, env, opts...)
	if err != nil {
		return res, err
	}
	if partial {
		a.count(func(s *Stats) { s.PartialFailures++ })
		return adapter.PublishResult{}, errspkg.Ef("publish", errspkg.ErrBackendUnavailable, "injected partial failure after broker accepted %s", env.ID())
	}
	return res, nil
}

func (a *Adapter) Subscribe(ctx context.Context, topic, group string, handler adapter.Handler) (adapter.Subscription, error) {
	if err := a.outage("subscribe"); err != nil {
		return adapter.Subscription{}, err
	}
	return a.inner.Subscribe(ctx, topic, group, handler)
}

func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if err := a.outage("unsubscribe"); err != nil {
		return err
	}
	return a.inner.Unsubscribe(ctx, subscriptionID)
}

func (a *Adapter) ListTopics(ctx context.Context, tenantID string) ([]string, error) {
	if err := a.outage("list_topics"); err != nil {
		return nil, err
	}
	return a.inner.ListTopics(ctx, tenantID)
}

func (a *Adapter) GetTopicInfo(ctx context.Context, topic string) (adapter.TopicInfo, error) {
	if err := a.outage("get_topic_info"); err != nil {
		return adapter.TopicInfo{}, err
	}
	return a.inner.GetTopicInfo(ctx, topic)
}

func (a *Adapter) ListConsumerGroups(ctx context.Context, tenantID string) ([]adapter.ConsumerGroupInfo, error) {
	if err := a.outage("list_consumer_groups"); err != nil {
		return nil, err
	}
	return a.inner.ListConsumerGroups(ctx, tenantID)
}

func (a *Adapter) GetConsumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	if err := a.outage("get_consumer_lag"); err != nil {
		return adapter.ConsumerLag{}, err
	}
	return a.inner.GetConsumerLag(ctx, group)
}

func (a *Adapter) SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error {
	if err := a.outage("send_to_dlq"); err != nil {
		return err
	}
	return a.inner.SendToDLQ(ctx, env, cause, group)
}

func (a *Adapter) ReplayEvents(ctx context.Context, req adapter.ReplayRequest) (adapter.ReplayJob, error) {
	if err := a.outage("replay_events"); err != nil {
		return adapter.ReplayJob{}, err
	}
	return a.inner.ReplayEvents(ctx, req)
}

func (a *Adapter) GetReplayStatus(ctx context.Context, replayID string) (adapter.ReplayJob, error) {
	if err := a.outage("get_replay_status"); err != nil {
		return adapter.ReplayJob{}, err
	}
	return a.inner.GetReplayStatus(ctx, replayID)
}

// ListDLQ forwards to the inner adapter when it can list dead letters.
func (a *Adapter) ListDLQ(ctx context.Context, group string, limit int) ([]adapter.DLQEntry, error) {
	if err := a.outage("list_dlq"); err != nil {
		return nil, err
	}
	reader, ok := a.inner.(adapter.DLQReader)
	if !ok {
		return nil, errspkg.Ef("list_dlq", errspkg.ErrInvalidArgument, "backend %q cannot list dead letters", a.inner.Capabilities().Name)
	}
	return reader.ListDLQ(ctx, group, limit)
}

// CancelReplay forwards to the inner adapter when it can cancel replays.
func (a *Adapter) CancelReplay(ctx context.Context, replayID string) error {
	if err := a.outage("cancel_replay"); err != nil {
		return err
	}
	canceller, ok := a.inner.(adapter.ReplayCanceller)
	if !ok {
		return errspkg.Ef("cancel_replay", errspkg.ErrInvalidArgument, "backend %q cannot cancel replays", a.inner.Capabilities().Name)
	}
	return canceller.CancelReplay(ctx, replayID)
}

func (a *Adapter) Capabilities() adapter.Capabilities {
	return a.inner.Capabilities()
}

// Close closes the inner adapter, outage or not.
func (a *Adapter) Close() error {
	return a.inner.Close()
}
