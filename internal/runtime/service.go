package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantflow/adapter"
	_ "github.com/drblury/tenantflow/adapter/adapters"
	"github.com/drblury/tenantflow/internal/runtime/breaker"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/outbox"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

const tracerName = "github.com/drblury/tenantflow"

// Breaker names used by the Service itself.
const (
	BreakerPublish = "adapter.publish"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to have the Service build them from configuration.
type ServiceDependencies struct {
	// Adapter replaces the driver selected by Config.Backend.
	Adapter adapter.Adapter
	// AdapterRegistry resolves Config.Backend. Defaults to adapter.DefaultRegistry.
	AdapterRegistry *adapter.Registry
	DedupeStore     dedupe.Store
	// OutboxStore enables the outbox relay. A postgres store is built when
	// it is nil and Config.Outbox.PostgresURL is set.
	OutboxStore outbox.Store
	// Registry receives the metrics. A private registry is used when nil.
	Registry *prometheus.Registry
	// SLOTargets replaces the configured targets when not empty.
	SLOTargets []slo.Target
	Hooks      DeliveryHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
}

// Service wires an adapter to the exactly-once processor, circuit breakers,
// metrics and SLO monitoring.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	adapter   adapter.Adapter
	processor *dedupe.Processor
	breakers  *breaker.Registry
	metrics   *metrics.Collector
	slo       *slo.Monitor
	outbox    outbox.Store
	relay     *outbox.Relay
	tracer    trace.Tracer
	hooks     DeliveryHooks

	middlewares []Middleware

	subsMu        sync.Mutex
	subscriptions map[string]adapter.Subscription

	replayMu      sync.Mutex
	replayCounted map[string]struct{}

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Subscribe
// handlers on the returned Service and call Run for the background loops.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		conf = configpkg.Default()
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.E("new_service", errspkg.ErrInvalidArgument, err)
	}
	log = loggingpkg.OrNop(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"backend": conf.Backend,
		"config":  conf.String(),
	})

	s := &Service{
		Conf:          conf,
		Logger:        log,
		tracer:        otel.Tracer(tracerName),
		hooks:         deps.Hooks,
		subscriptions: make(map[string]adapter.Subscription),
		replayCounted: make(map[string]struct{}),
	}

	s.metrics = metrics.New(metrics.Options{Registry: deps.Registry, Namespace: conf.MetricsNamespace})
	if conf.MetricsEnabled {
		if err := s.metrics.Init(); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error {
			s.metrics.Shutdown()
			return nil
		})
	}

	targets := deps.SLOTargets
	if len(targets) == 0 {
		targets = sloTargets(conf)
	}
	s.slo = slo.NewMonitor(targets, slo.MonitorOptions{})

	s.breakers = breaker.NewRegistry(breakerConfig(conf), breaker.Options{
		Logger:   log,
		Observer: s.metrics,
		Ignore:   errspkg.IsPermanent,
	})

	if err := s.initAdapter(ctx, deps); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initProcessor(ctx, deps); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initOutbox(ctx, deps); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.registerMiddlewares(deps); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) initAdapter(ctx context.Context, deps ServiceDependencies) error {
	a := deps.Adapter
	if a == nil {
		registry := deps.AdapterRegistry
		if registry == nil {
			registry = adapter.DefaultRegistry
		}
		built, err := registry.Build(ctx, s.Conf, adapter.Options{Logger: s.Logger, Observer: s.metrics})
		if err != nil {
			return fmt.Errorf("build %s adapter: %w", s.Conf.Backend, err)
		}
		a = built
	}
	s.adapter = a
	s.closers = append(s.closers, a.Close)
	return nil
}

func (s *Service) initProcessor(ctx context.Context, deps ServiceDependencies) error {
	store := deps.DedupeStore
	if store == nil {
		built, err := newDedupeStore(ctx, s.Conf)
		if err != nil {
			return err
		}
		store = built
		s.closers = append(s.closers, store.Close)
	}
	policy, err := dedupe.ParseReclaimPolicy(s.Conf.Dedupe.ReclaimPolicy)
	if err != nil {
		return err
	}
	s.processor = dedupe.NewProcessor(store, dedupe.ProcessorConfig{
		LeaseTTL:      s.Conf.Dedupe.LeaseTTL,
		ReclaimPolicy: policy,
		Logger:        s.Logger,
		OnDuplicate: func(_ envelope.Envelope, group string) {
			s.metrics.DeduplicationHit(group)
		},
	})
	return nil
}

// newDedupeStore builds the store selected by Config.Dedupe.Store.
func newDedupeStore(ctx context.Context, conf *configpkg.Config) (dedupe.Store, error) {
	opts := dedupe.Options{Retention: conf.Dedupe.Retention}
	switch conf.Dedupe.Store {
	case "", configpkg.DedupeStoreMemory:
		return dedupe.NewMemoryStore(opts), nil
	case configpkg.DedupeStoreRedis:
		redisOpts, err := goredis.ParseURL(conf.RedisURL)
		if err != nil {
			return nil, errspkg.E("dedupe_store", errspkg.ErrInvalidArgument, err)
		}
		if conf.RedisPassword != "" {
			redisOpts.Password = conf.RedisPassword
		}
		client := goredis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errspkg.E("dedupe_store", errspkg.ErrBackendUnavailable, err)
		}
		return &ownedRedisStore{RedisStore: dedupe.NewRedisStore(client, opts), client: client}, nil
	case configpkg.DedupeStoreSQLite:
		return dedupe.NewSQLiteStore(ctx, conf.Dedupe.SQLiteFile, opts)
	default:
		return nil, errspkg.Ef("dedupe_store", errspkg.ErrInvalidArgument, "unknown dedupe store %q", conf.Dedupe.Store)
	}
}

// ownedRedisStore closes the client the Service opened for it.
type ownedRedisStore struct {
	*dedupe.RedisStore
	client *goredis.Client
}

func (s *ownedRedisStore) Close() error {
	return s.client.Close()
}

func (s *Service) initOutbox(ctx context.Context, deps ServiceDependencies) error {
	store := deps.OutboxStore
	if store == nil && s.Conf.Outbox.PostgresURL != "" {
		pg, err := outbox.NewPostgresStore(ctx, s.Conf.Outbox.PostgresURL)
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return err
		}
		s.closers = append(s.closers, func() error {
			pg.Close()
			return nil
		})
		store = pg
	}
	if store == nil {
		return nil
	}
	s.outbox = store
	s.relay = outbox.NewRelay(store, s, outbox.RelayConfig{
		PollInterval:    s.Conf.Outbox.PollInterval,
		BatchSize:       s.Conf.Outbox.BatchSize,
		InitialInterval: s.Conf.Retry.InitialInterval,
		MaxInterval:     s.Conf.Retry.MaxInterval,
		Logger:          s.Logger,
		Recorder:        s.metrics,
	})
	return nil
}

func (s *Service) registerMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterMiddleware appends a middleware to the delivery chain. It only
// affects subscriptions made afterwards.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	mw, err := s.buildMiddleware(reg)
	if err != nil {
		return err
	}
	if mw == nil {
		return nil
	}
	s.subsMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.subsMu.Unlock()
	return nil
}

func breakerConfig(conf *configpkg.Config) breaker.Config {
	cb := conf.CircuitBreaker
	return breaker.Config{
		FailureThreshold:     cb.FailureThreshold,
		RecoveryTimeout:      cb.RecoveryTimeout,
		FailureRateThreshold: cb.FailureRateThreshold,
		MinRequests:          cb.MinRequests,
		Window:               cb.Window,
	}
}

func sloTargets(conf *configpkg.Config) []slo.Target {
	if len(conf.SLOTargets) == 0 {
		return slo.DefaultTargets()
	}
	targets := make([]slo.Target, 0, len(conf.SLOTargets))
	for _, t := range conf.SLOTargets {
		targets = append(targets, slo.Target{
			Name:             t.Name,
			Metric:           t.Metric,
			TargetPercentage: t.TargetPercentage,
			TimeWindow:       t.TimeWindow,
			ThresholdValue:   t.ThresholdValue,
			Comparison:       slo.Comparison(t.Comparison),
		})
	}
	return targets
}

// Adapter returns the backend driver.
func (s *Service) Adapter() adapter.Adapter {
	return s.adapter
}

// Processor returns the exactly-once processor guarding every subscription.
func (s *Service) Processor() *dedupe.Processor {
	return s.processor
}

// Metrics returns the metrics collector.
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// SLOMonitor returns the SLO monitor fed by the Service.
func (s *Service) SLOMonitor() *slo.Monitor {
	return s.slo
}

// Breaker returns the named circuit breaker, creating it on first use.
// Handlers wrap calls to downstream services with it.
func (s *Service) Breaker(name string) *breaker.Breaker {
	return s.breakers.Get(name)
}

// Breakers returns a snapshot of every breaker created so far.
func (s *Service) Breakers() []breaker.Snapshot {
	return s.breakers.Snapshots()
}

// Outbox returns the outbox store, or nil when the outbox is disabled.
func (s *Service) Outbox() outbox.Store {
	return s.outbox
}

// Close unsubscribes every member and releases the adapter and stores.
// Safe to call multiple times.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.subsMu.Lock()
		ids := make([]string, 0, len(s.subscriptions))
		for id := range s.subscriptions {
			ids = append(ids, id)
		}
		s.subsMu.Unlock()

		var errs []error
		for _, id := range ids {
			if err := s.Unsubscribe(context.Background(), id); err != nil && !errors.Is(err, errspkg.ErrClosed) {
				errs = append(errs, err)
			}
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Event service closed", nil)
	})
	return s.closeErr
}
