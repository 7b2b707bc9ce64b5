package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// Publisher is what the relay publishes through, usually the runtime
// Service so relayed events get the same breaker and metrics as live ones.
type Publisher interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error)
}

// Recorder receives one observation per relayed entry.
type Recorder interface {
	OutboxEntry(tenantID, status string, took time.Duration)
}

// RelayConfig tunes a Relay. Zero values fall back to defaults.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts parks an entry as failed after this many relay attempts.
	MaxAttempts int
	// ClaimTimeout returns entries abandoned by a crashed relay to the pool.
	ClaimTimeout time.Duration
	// InitialInterval and MaxInterval shape the in-batch publish retries.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PublishTries bounds publish attempts per entry per batch.
	PublishTries uint
	Logger       logging.ServiceLogger
	Recorder     Recorder
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = time.Minute
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	if c.PublishTries == 0 {
		c.PublishTries = 3
	}
	return c
}

// Relay moves pending entries from a Store to a Publisher.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	logger    logging.ServiceLogger
}

func NewRelay(store Store, publisher Publisher, cfg RelayConfig) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).With(logging.LogFields{"component": "outbox_relay"}),
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started", logging.LogFields{"poll_interval": r.cfg.PollInterval.String()})
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox batch failed", err, nil)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped", nil)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce relays one batch and returns how many entries were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.FetchPending(ctx, r.cfg.BatchSize, r.cfg.ClaimTimeout)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if r.relay(ctx, e) {
			published++
		}
	}
	return published, nil
}

func (r *Relay) relay(ctx context.Context, e Entry) bool {
	start := time.Now()
	logger := logging.ForEnvelope(r.logger, e.Envelope).With(logging.LogFields{"outbox_id": e.ID, "topic": e.Topic})

	var opts []adapter.PublishOption
	if e.PartitionKey != "" {
		opts = append(opts, adapter.WithPartitionKey(e.PartitionKey))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (adapter.PublishResult, error) {
		res, err := r.publisher.Publish(ctx, e.Topic, e.Envelope, opts...)
		if err != nil && !errspkg.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.PublishTries))

	if err == nil {
		if markErr := r.store.MarkPublished(ctx, e.ID); markErr != nil {
			logger.Error("Failed to mark outbox entry published", markErr, nil)
		}
		r.record(e, string(StatusPublished), start)
		return true
	}

	retry := errspkg.IsRetryable(err) && e.Attempts+1 < r.cfg.MaxAttempts
	if markErr := r.store.MarkFailed(ctx, e.ID, err, retry); markErr != nil {
		logger.Error("Failed to mark outbox entry failed", markErr, nil)
	}
	logger.Error("Outbox publish failed", err, logging.LogFields{"attempts": e.Attempts + 1, "will_retry": retry})
	r.record(e, string(StatusFailed), start)
	return false
}

func (r *Relay) record(e Entry, status string, start time.Time) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.OutboxEntry(e.Envelope.TenantID(), status, time.Since(start))
	}
}
