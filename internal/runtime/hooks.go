package runtime

import (
	"context"
	"time"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
)

// DeliveryContext provides information about one delivery to hooks.
type DeliveryContext struct {
	// Context is the context the delivery is handled under.
	Context context.Context

	EventID       string
	EventType     string
	TenantID      string
	Topic         string
	ConsumerGroup string
	Partition     int
	// Attempt is the adapter's delivery attempt, starting at 1.
	Attempt int
	// StartedAt is when the pipeline picked the delivery up.
	StartedAt time.Time
	// Duration is how long the pipeline took (only set in OnDone, OnError and OnDuplicate).
	Duration time.Duration
	// Retries is how many in-process retries ran before the final result.
	Retries int
}

func newDeliveryContext(ctx context.Context, d adapter.Delivery) DeliveryContext {
	return DeliveryContext{
		Context:       ctx,
		EventID:       d.Envelope.ID(),
		EventType:     d.Envelope.Type(),
		TenantID:      d.Envelope.TenantID(),
		Topic:         d.Topic,
		ConsumerGroup: d.ConsumerGroup,
		Partition:     d.Partition,
		Attempt:       d.Attempt,
		StartedAt:     time.Now(),
	}
}

// DeliveryHooks defines callbacks for the delivery lifecycle.
// All hooks are optional - nil hooks are simply not called.
type DeliveryHooks struct {
	// OnStart is called before the delivery enters the retry loop.
	OnStart func(ctx DeliveryContext)

	// OnDone is called when the handler completed successfully.
	OnDone func(ctx DeliveryContext)

	// OnError is called with the final error once retries are exhausted or
	// the error is terminal. The delivery is dead-lettered afterwards.
	OnError func(ctx DeliveryContext, err error)

	// OnDuplicate is called when the exactly-once processor suppressed the
	// delivery because the event was already handled by the group.
	OnDuplicate func(ctx DeliveryContext)
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart:     chainHooks(h.OnStart, other.OnStart),
		OnDone:      chainHooks(h.OnDone, other.OnDone),
		OnError:     chainErrorHooks(h.OnError, other.OnError),
		OnDuplicate: chainHooks(h.OnDuplicate, other.OnDuplicate),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DeliveryHooksMiddleware invokes the Service's hooks, merged with extra, at
// the appropriate points in the delivery lifecycle.
func DeliveryHooksMiddleware(extra DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "delivery_hooks",
		Builder: func(s *Service) (Middleware, error) {
			return deliveryHooksMiddleware(s.hooks.Merge(extra)), nil
		},
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks) Middleware {
	return func(h adapter.Handler) adapter.Handler {
		return func(ctx context.Context, d adapter.Delivery) error {
			dctx := newDeliveryContext(ctx, d)
			if hooks.OnStart != nil {
				hooks.OnStart(dctx)
			}

			err := h(ctx, d)

			state := deliveryStateFrom(ctx)
			dctx.Duration = time.Since(dctx.StartedAt)
			dctx.Retries = state.retries()

			switch {
			case err != nil:
				if hooks.OnError != nil {
					hooks.OnError(dctx, err)
				}
			case state.outcome == dedupe.OutcomeDuplicate:
				if hooks.OnDuplicate != nil {
					hooks.OnDuplicate(dctx)
				}
			default:
				if hooks.OnDone != nil {
					hooks.OnDone(dctx)
				}
			}
			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log the delivery lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	logger = loggingpkg.OrNop(logger)
	fields := func(ctx DeliveryContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"event_id":       ctx.EventID,
			"tenant_id":      ctx.TenantID,
			"topic":          ctx.Topic,
			"consumer_group": ctx.ConsumerGroup,
			"partition":      ctx.Partition,
			"attempt":        ctx.Attempt,
		}
	}
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnDone: func(ctx DeliveryContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["retries"] = ctx.Retries
			logger.Info("Delivery completed", f)
		},
		OnError: func(ctx DeliveryContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["retries"] = ctx.Retries
			logger.Error("Delivery failed", err, f)
		},
		OnDuplicate: func(ctx DeliveryContext) {
			logger.Debug("Delivery skipped as duplicate", fields(ctx))
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed deliveries.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnError: alertFunc,
	}
}
