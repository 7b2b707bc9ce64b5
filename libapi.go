package tenantflow

import (
	"context"
	"time"

	"github.com/drblury/tenantflow/adapter"
	runtimepkg "github.com/drblury/tenantflow/internal/runtime"
	breakerpkg "github.com/drblury/tenantflow/internal/runtime/breaker"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/tenantflow/internal/runtime/handlers"
	idspkg "github.com/drblury/tenantflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/outbox"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Envelope = envelope.Envelope

	Adapter           = adapter.Adapter
	AdapterRegistry   = adapter.Registry
	Capabilities      = adapter.Capabilities
	Delivery          = adapter.Delivery
	Handler           = adapter.Handler
	PublishResult     = adapter.PublishResult
	PublishOption     = adapter.PublishOption
	Subscription      = adapter.Subscription
	TopicInfo         = adapter.TopicInfo
	ConsumerGroupInfo = adapter.ConsumerGroupInfo
	ConsumerLag       = adapter.ConsumerLag
	DLQEntry          = adapter.DLQEntry
	ReplayRequest     = adapter.ReplayRequest
	ReplayJob         = adapter.ReplayJob
	ReplayStatus      = adapter.ReplayStatus

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	JSONContext[T any]        = handlerpkg.JSONContext[T]
	JSONOutput[O any]         = handlerpkg.JSONOutput[O]
	JSONHandler[T any, O any] = handlerpkg.JSONHandler[T, O]
	JSONPublisher             = handlerpkg.Publisher
	DedupeStore               = dedupe.Store
	OutboxStore               = outbox.Store
	SLOTarget                 = slo.Target
	Health                    = slo.Health
	BreakerSnapshot           = breakerpkg.Snapshot
	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	OpError                   = errspkg.OpError
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	TracerMiddleware        = runtimepkg.TracerMiddleware
	LogDeliveriesMiddleware = runtimepkg.LogDeliveriesMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware

	// Delivery lifecycle hooks
	DeliveryHooksMiddleware = runtimepkg.DeliveryHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	// Topic and consumer group naming
	Topic             = envelope.Topic
	ConsumerGroup     = envelope.ConsumerGroup
	DLQTopic          = envelope.DLQTopic
	TenantOf          = envelope.TenantOf
	MarshalEnvelope   = envelope.Marshal
	UnmarshalEnvelope = envelope.Unmarshal
	WithPartitionKey  = adapter.WithPartitionKey
	DefaultSLOTargets = slo.DefaultTargets
	DefaultAdapters   = adapter.DefaultRegistry
	RegisterAdapter   = adapter.Register
	AdapterCapability = adapter.GetCapabilities
	DecodeData        = handlerpkg.DecodeData
	EncodeData        = handlerpkg.EncodeData
	WithOutboxTx      = outbox.WithTx
	NewMemoryOutbox   = outbox.NewMemoryStore
	NewPostgresOutbox = outbox.NewPostgresStore
	NewMemoryDedupe   = dedupe.NewMemoryStore
	NewSQLiteDedupe   = dedupe.NewSQLiteStore
	NewEventID        = idspkg.NewEventID
	EventTime         = idspkg.EventTime

	// Error taxonomy
	ErrInvalidArgument      = errspkg.ErrInvalidArgument
	ErrBackendUnavailable   = errspkg.ErrBackendUnavailable
	ErrTimeout              = errspkg.ErrTimeout
	ErrInvalidTopic         = errspkg.ErrInvalidTopic
	ErrInvalidConsumerGroup = errspkg.ErrInvalidConsumerGroup
	ErrCircuitOpen          = errspkg.ErrCircuitOpen
	ErrDuplicateProcessing  = errspkg.ErrDuplicateProcessing
	ErrReplayNotFound       = errspkg.ErrReplayNotFound
	ErrSubscriptionNotFound = errspkg.ErrSubscriptionNotFound
	ErrLeaseExpired         = errspkg.ErrLeaseExpired
	ErrClosed               = errspkg.ErrClosed
	Permanent               = errspkg.Permanent
	IsPermanent             = errspkg.IsPermanent
	IsRetryable             = errspkg.IsRetryable

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger
)

// Publish statuses reported in PublishResult.
const (
	StatusPublished = adapter.StatusPublished
)

// Breaker names used by the Service.
const (
	BreakerPublish = runtimepkg.BreakerPublish
)

// NewEnvelope builds an envelope with a fresh event id.
func NewEnvelope(eventType string, data map[string]any, tenantID string) (Envelope, error) {
	return envelope.New(eventType, data, tenantID)
}

// NewEnvelopeWithID builds an envelope with caller-chosen identity. A zero
// createdAt means now.
func NewEnvelopeWithID(id, eventType string, data map[string]any, tenantID string, createdAt time.Time) (Envelope, error) {
	return envelope.NewWithID(id, eventType, data, tenantID, createdAt)
}

// BuildJSONHandler converts a typed JSON handler into a Handler for
// Service.Subscribe. Emitted events are published through pub.
func BuildJSONHandler[T any, O any](handler JSONHandler[T, O], pub JSONPublisher, logger ServiceLogger) (Handler, error) {
	return handlerpkg.BuildJSONHandler(handler, pub, logger)
}

// SubscribeJSON subscribes a typed JSON handler whose outputs are published
// through svc.
func SubscribeJSON[T any, O any](ctx context.Context, svc *Service, topic, group string, handler JSONHandler[T, O]) (Subscription, error) {
	if svc == nil {
		return Subscription{}, errspkg.Ef("subscribe_json", errspkg.ErrInvalidArgument, "service is required")
	}
	h, err := handlerpkg.BuildJSONHandler(handler, svc, svc.Logger)
	if err != nil {
		return Subscription{}, err
	}
	return svc.Subscribe(ctx, topic, group, h)
}
