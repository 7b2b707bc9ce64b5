package dedupe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// ReclaimPolicy decides what happens when a claim takes over a processing
// record whose lease lapsed, typically after a worker crashed mid-handler.
type ReclaimPolicy int

const (
	// ReclaimRetry invokes the handler again.
	ReclaimRetry ReclaimPolicy = iota
	// ReclaimFail marks the record failed with ErrLeaseExpired and returns a
	// permanent error without invoking the handler.
	ReclaimFail
)

func (p ReclaimPolicy) String() string {
	switch p {
	case ReclaimRetry:
		return "retry"
	case ReclaimFail:
		return "fail"
	default:
		return fmt.Sprintf("ReclaimPolicy(%d)", int(p))
	}
}

// ParseReclaimPolicy accepts "retry" or "fail", case-insensitively.
func ParseReclaimPolicy(s string) (ReclaimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry":
		return ReclaimRetry, nil
	case "fail":
		return ReclaimFail, nil
	default:
		return 0, errspkg.Ef("parse_reclaim_policy", errspkg.ErrInvalidArgument, "unknown reclaim policy %q", s)
	}
}

// Outcome reports what Process did with an envelope.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Handler is the business logic guarded by a Processor.
type Handler func(ctx context.Context, env envelope.Envelope) error

// ProcessorConfig tunes a Processor.
type ProcessorConfig struct {
	LeaseTTL      time.Duration
	ReclaimPolicy ReclaimPolicy
	Logger        logging.ServiceLogger
	// OnDuplicate is called for every suppressed delivery.
	OnDuplicate func(env envelope.Envelope, group string)
}

// Processor invokes a handler at most once per (event, consumer group)
// while the dedupe record is retained.
type Processor struct {
	store  Store
	cfg    ProcessorConfig
	logger logging.ServiceLogger
}

func NewProcessor(store Store, cfg ProcessorConfig) *Processor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Processor{store: store, cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Store returns the underlying store.
func (p *Processor) Store() Store {
	return p.store
}

// Process claims the envelope for group and runs handler when the claim is
// acquired. A duplicate returns OutcomeDuplicate and a nil error. Handler
// errors are recorded and returned unchanged; store errors are returned
// before the handler runs.
func (p *Processor) Process(ctx context.Context, env envelope.Envelope, group string, handler Handler) (Outcome, error) {
	const op = "process"
	if env.IsZero() {
		return OutcomeFailed, errspkg.Ef(op, errspkg.ErrInvalidArgument, "envelope is empty")
	}
	if handler == nil {
		return OutcomeFailed, errspkg.Ef(op, errspkg.ErrInvalidArgument, "handler is required")
	}

	key := Key(env.ID(), group)
	logger := p.logger.With(logging.LogFields{
		"event_id":       env.ID(),
		"tenant_id":      env.TenantID(),
		"consumer_group": group,
	})

	claim, err := p.store.StartProcessing(ctx, key, p.cfg.LeaseTTL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeFailed, errspkg.FromContext(op, ctxErr)
		}
		return OutcomeFailed, errspkg.E(op, errspkg.ErrBackendUnavailable, err)
	}
	if !claim.Acquired {
		logger.Debug("Duplicate delivery suppressed", logging.LogFields{"state": string(claim.State)})
		if p.cfg.OnDuplicate != nil {
			p.cfg.OnDuplicate(env, group)
		}
		return OutcomeDuplicate, nil
	}

	if claim.Reclaimed && p.cfg.ReclaimPolicy == ReclaimFail {
		cause := errspkg.Ef(op, errspkg.ErrLeaseExpired, "event %s abandoned by a previous worker", env.ID())
		if err := p.store.MarkFailed(ctx, key, cause); err != nil {
			logger.Error("Failed to mark reclaimed record failed", err, nil)
		}
		logger.Info("Reclaimed lease treated as failed", nil)
		return OutcomeFailed, errspkg.Permanent(cause)
	}
	if claim.Reclaimed {
		logger.Info("Reclaimed lapsed lease, retrying handler", nil)
	}

	if herr := handler(ctx, env); herr != nil {
		if err := p.store.MarkFailed(ctx, key, herr); err != nil {
			logger.Error("Failed to mark record failed", err, nil)
		}
		return OutcomeFailed, herr
	}

	if err := p.store.MarkCompleted(ctx, key); err != nil {
		// The side effect happened; a redelivery may run it again once the
		// lease lapses.
		logger.Error("Failed to mark record completed", err, nil)
		return OutcomeProcessed, errspkg.E(op, errspkg.ErrBackendUnavailable, err)
	}
	return OutcomeProcessed, nil
}
