package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

// Middleware decorates a delivery handler.
type Middleware func(adapter.Handler) adapter.Handler

// MiddlewareBuilder constructs a delivery middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be added to the
// delivery chain. Registrations are applied outermost first; the
// exactly-once processor always sits innermost, directly around the handler.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour. Zero
// values fall back to the Service's retry configuration.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether an error is retried. Defaults to errors.IsRetryable.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(fallback RetryMiddlewareConfig) RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = fallback.MaxRetries
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = fallback.InitialInterval
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = fallback.MaxInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errspkg.IsRetryable
	}
	return cfg
}

// DefaultMiddlewares returns the standard delivery chain used by the Service
// constructor: tracing, logging, hooks, metrics and retries.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		LogDeliveriesMiddleware(nil),
		DeliveryHooksMiddleware(DeliveryHooks{}),
		MetricsMiddleware(),
		RetryMiddleware(RetryMiddlewareConfig{}),
	}
}

// TracerMiddleware wraps delivery handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (Middleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// LogDeliveriesMiddleware logs every delivery with its envelope at debug level.
func LogDeliveriesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_deliveries",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log deliveries middleware requires a logger")
			}
			return logDeliveriesMiddleware(l), nil
		},
	}
}

// MetricsMiddleware records consumption counters and feeds the processing SLOs.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			return s.metricsMiddleware(), nil
		},
	}
}

// RetryMiddleware retries failed deliveries with exponential backoff.
// Terminal errors stop the loop immediately.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (Middleware, error) {
			fallback := RetryMiddlewareConfig{
				MaxRetries:      s.Conf.Retry.MaxRetries,
				InitialInterval: s.Conf.Retry.InitialInterval,
				MaxInterval:     s.Conf.Retry.MaxInterval,
			}
			return retryMiddleware(cfg.withDefaults(fallback)), nil
		},
	}
}

// buildMiddleware resolves a registration into a middleware. A nil result
// means the registration chose not to take part.
func (s *Service) buildMiddleware(reg MiddlewareRegistration) (Middleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(s)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// chain wraps handler with the exactly-once processor and then with the
// registered middlewares.
func (s *Service) chain(handler adapter.Handler) adapter.Handler {
	h := s.processorHandler(handler)
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

// deliveryState travels in the context of one delivery so outer middlewares
// can see what the processor decided.
type deliveryState struct {
	outcome  dedupe.Outcome
	attempts int
}

func (st *deliveryState) retries() int {
	if st.attempts <= 1 {
		return 0
	}
	return st.attempts - 1
}

type deliveryStateKey struct{}

func withDeliveryState(ctx context.Context) context.Context {
	return context.WithValue(ctx, deliveryStateKey{}, &deliveryState{})
}

func deliveryStateFrom(ctx context.Context) *deliveryState {
	if st, ok := ctx.Value(deliveryStateKey{}).(*deliveryState); ok {
		return st
	}
	return &deliveryState{}
}

func (s *Service) processorHandler(handler adapter.Handler) adapter.Handler {
	return func(ctx context.Context, d adapter.Delivery) error {
		state := deliveryStateFrom(ctx)
		state.attempts++
		outcome, err := s.processor.Process(ctx, d.Envelope, d.ConsumerGroup, func(ctx context.Context, _ envelope.Envelope) error {
			return adapter.InvokeHandler(ctx, handler, d)
		})
		state.outcome = outcome
		return err
	}
}

func (s *Service) tracerMiddleware() Middleware {
	return func(h adapter.Handler) adapter.Handler {
		return func(ctx context.Context, d adapter.Delivery) error {
			ctx, span := s.tracer.Start(ctx, "ProcessEvent", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(
				attribute.String("event.id", d.Envelope.ID()),
				attribute.String("event.type", d.Envelope.Type()),
				attribute.String("tenant.id", d.Envelope.TenantID()),
				attribute.String("messaging.destination", d.Topic),
				attribute.String("messaging.consumer_group", d.ConsumerGroup),
				attribute.Int("messaging.partition", d.Partition),
				attribute.Int("delivery.attempt", d.Attempt),
			)
			err := h(ctx, d)
			span.SetAttributes(attribute.String("delivery.outcome", deliveryStateFrom(ctx).outcome.String()))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

func logDeliveriesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(h adapter.Handler) adapter.Handler {
		return func(ctx context.Context, d adapter.Delivery) error {
			loggingpkg.ForDelivery(logger, d.Envelope, d.Topic, d.ConsumerGroup).Debug("Processing delivery", loggingpkg.LogFields{
				"partition": d.Partition,
				"attempt":   d.Attempt,
				"data":      d.Envelope.Data(),
			})
			return h(ctx, d)
		}
	}
}

func (s *Service) metricsMiddleware() Middleware {
	return func(h adapter.Handler) adapter.Handler {
		return func(ctx context.Context, d adapter.Delivery) error {
			start := time.Now()
			err := h(ctx, d)
			took := time.Since(start)

			labels := map[string]string{
				"tenant_id":      d.Envelope.TenantID(),
				"topic":          d.Topic,
				"consumer_group": d.ConsumerGroup,
			}
			switch {
			case err != nil:
				s.metrics.ProcessingFailed(d.Topic, d.ConsumerGroup, errspkg.KindLabel(err), took)
				if !errors.Is(err, context.Canceled) {
					s.slo.RecordMetric(slo.MetricProcessingSuccess, 0, labels)
				}
			case deliveryStateFrom(ctx).outcome == dedupe.OutcomeDuplicate:
				// Counted by the processor's duplicate callback.
			default:
				s.metrics.EventConsumed(d.Topic, d.ConsumerGroup, took)
				s.slo.RecordMetric(slo.MetricProcessingSuccess, 1, labels)
				s.slo.RecordMetric(slo.MetricProcessingLatency, took.Seconds(), labels)
			}
			return err
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) Middleware {
	return func(h adapter.Handler) adapter.Handler {
		return func(ctx context.Context, d adapter.Delivery) error {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval

			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				err := h(ctx, d)
				if err != nil && !cfg.RetryIf(err) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries+1)))
			return err
		}
	}
}
