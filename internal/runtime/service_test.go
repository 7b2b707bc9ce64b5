package runtime

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/adapter/chaos"
	"github.com/drblury/tenantflow/adapter/memory"
	"github.com/drblury/tenantflow/internal/runtime/breaker"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/outbox"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

const (
	ordersTopic  = "tenant.acme.events.orders"
	billingGroup = "tenant.acme.consumers.billing"
)

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.OperationTimeout = 2 * time.Second
	conf.RedeliveryDelay = 10 * time.Millisecond
	conf.LagReportInterval = 20 * time.Millisecond
	conf.Retry.InitialInterval = time.Millisecond
	conf.Retry.MaxInterval = 5 * time.Millisecond
	return conf
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), conf, loggingpkg.NopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newOrder(t *testing.T, orderID string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("order.placed", map[string]any{"order_id": orderID}, "acme")
	require.NoError(t, err)
	return env
}

func metricsText(t *testing.T, svc *Service) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, svc.Metrics().WriteText(&buf))
	return buf.String()
}

// sideEffects counts handler invocations per event id.
type sideEffects struct {
	mu     sync.Mutex
	counts map[string]int
}

func newSideEffects() *sideEffects {
	return &sideEffects{counts: make(map[string]int)}
}

func (s *sideEffects) record(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
}

func (s *sideEffects) unique() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counts)
}

func (s *sideEffects) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func TestNewServiceDefaults(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	assert.Equal(t, memory.AdapterName, svc.Adapter().Capabilities().Name)
	assert.IsType(t, &dedupe.MemoryStore{}, svc.Processor().Store())
	assert.NotNil(t, svc.Metrics())
	assert.Len(t, svc.SLOMonitor().Targets(), len(slo.DefaultTargets()))
	assert.Nil(t, svc.Outbox())
	assert.Equal(t, breaker.StateClosed, svc.Breaker(BreakerPublish).State())
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.Dedupe.Store = "bogus"

	_, err := NewService(context.Background(), conf, nil, ServiceDependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestNewServiceBuildsConfiguredDedupeStores(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		conf := testConfig()
		conf.Dedupe.Store = configpkg.DedupeStoreSQLite
		conf.Dedupe.SQLiteFile = ":memory:"
		svc := newTestService(t, conf, ServiceDependencies{})
		assert.IsType(t, &dedupe.SQLiteStore{}, svc.Processor().Store())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		conf := testConfig()
		conf.Dedupe.Store = configpkg.DedupeStoreRedis
		conf.RedisURL = "redis://" + mr.Addr()
		svc := newTestService(t, conf, ServiceDependencies{Adapter: memory.New(memory.Config{}, adapter.Options{})})
		assert.IsType(t, &ownedRedisStore{}, svc.Processor().Store())

		n, err := svc.Processor().Store().Size(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestServiceDeliversEachEventOnce(t *testing.T) {
	var started, done, duplicates atomic.Int32
	svc := newTestService(t, nil, ServiceDependencies{
		Hooks: DeliveryHooks{
			OnStart:     func(DeliveryContext) { started.Add(1) },
			OnDone:      func(DeliveryContext) { done.Add(1) },
			OnDuplicate: func(DeliveryContext) { duplicates.Add(1) },
		},
	})
	effects := newSideEffects()

	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		effects.record(d.Envelope.ID())
		return nil
	})
	require.NoError(t, err)

	env := newOrder(t, "o-1")
	res, err := svc.Publish(context.Background(), ordersTopic, env)
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPublished, res.Status)

	// The same envelope published again is a redelivery from the group's view.
	_, err = svc.Publish(context.Background(), ordersTopic, env)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return duplicates.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]int{env.ID(): 1}, effects.snapshot())
	assert.EqualValues(t, 2, started.Load())
	assert.EqualValues(t, 1, done.Load())

	text := metricsText(t, svc)
	assert.Contains(t, text, `deduplication_hits_total{consumer_group="tenant.acme.consumers.billing",tenant_id="acme"} 1`)
	assert.Contains(t, text, `events_consumed_total{consumer_group="tenant.acme.consumers.billing",tenant_id="acme",topic="tenant.acme.events.orders"} 1`)
	assert.Contains(t, text, `events_published_total{tenant_id="acme",topic="tenant.acme.events.orders"} 2`)
}

func TestServiceRetriesTransientFailures(t *testing.T) {
	var retries atomic.Int32
	svc := newTestService(t, nil, ServiceDependencies{
		Hooks: DeliveryHooks{
			OnDone: func(ctx DeliveryContext) { retries.Store(int32(ctx.Retries)) },
		},
	})

	var calls atomic.Int32
	handled := make(chan struct{})
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		if calls.Add(1) < 3 {
			return errors.New("downstream hiccup")
		}
		close(handled)
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-2"))
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	require.Eventually(t, func() bool { return retries.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())

	entries, err := svc.ListDLQ(context.Background(), billingGroup, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceDeadLettersExhaustedDeliveries(t *testing.T) {
	conf := testConfig()
	conf.Retry.MaxRetries = 2

	var failures atomic.Int32
	svc := newTestService(t, conf, ServiceDependencies{
		Hooks: AlertingHooks(func(ctx DeliveryContext, err error) { failures.Add(1) }),
	})

	var calls atomic.Int32
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		calls.Add(1)
		return errors.New("always failing")
	})
	require.NoError(t, err)

	env := newOrder(t, "o-3")
	_, err = svc.Publish(context.Background(), ordersTopic, env)
	require.NoError(t, err)

	var entries []adapter.DLQEntry
	require.Eventually(t, func() bool {
		entries, err = svc.ListDLQ(context.Background(), billingGroup, 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, env.ID(), entries[0].Envelope.ID())
	assert.Equal(t, ordersTopic, entries[0].Topic)
	assert.Contains(t, entries[0].Error, "always failing")
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, failures.Load())
	assert.Contains(t, metricsText(t, svc), `dlq_messages_total{consumer_group="tenant.acme.consumers.billing",tenant_id="acme"} 1`)
}

func TestServicePermanentFailureSkipsRetries(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	var calls atomic.Int32
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		calls.Add(1)
		return errspkg.Permanent(errors.New("malformed order"))
	})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-4"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := svc.ListDLQ(context.Background(), billingGroup, 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestServiceRecoversHandlerPanics(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-5"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := svc.ListDLQ(context.Background(), billingGroup, 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	conf := testConfig()
	conf.CircuitBreaker.FailureThreshold = 2
	flaky := chaos.Wrap(memory.New(memory.Config{}, adapter.Options{}), chaos.Config{Seed: 1})
	svc := newTestService(t, conf, ServiceDependencies{Adapter: flaky})

	flaky.DeclareOutage(time.Minute)
	for i := 0; i < 2; i++ {
		_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-6"))
		assert.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
	}

	_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-6"))
	assert.ErrorIs(t, err, errspkg.ErrCircuitOpen)
	assert.Equal(t, breaker.StateOpen, svc.Breaker(BreakerPublish).State())
	assert.Equal(t, 2, flaky.Stats().OutageFailures)

	text := metricsText(t, svc)
	assert.Contains(t, text, `event_publish_errors_total{error_kind="circuit_open",tenant_id="acme",topic="tenant.acme.events.orders"} 1`)
}

func TestPublishBreakerIgnoresCallerErrors(t *testing.T) {
	conf := testConfig()
	conf.CircuitBreaker.FailureThreshold = 1
	svc := newTestService(t, conf, ServiceDependencies{})

	for i := 0; i < 3; i++ {
		_, err := svc.Publish(context.Background(), "not a topic", newOrder(t, "o-7"))
		assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)
	}
	assert.Equal(t, breaker.StateClosed, svc.Breaker(BreakerPublish).State())

	_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-7"))
	require.NoError(t, err)
}

func TestDLQAndReplayCancelThroughChaosAdapter(t *testing.T) {
	flaky := chaos.Wrap(memory.New(memory.Config{}, adapter.Options{}), chaos.Config{Seed: 4})
	svc := newTestService(t, nil, ServiceDependencies{Adapter: flaky})
	ctx := context.Background()

	require.NoError(t, svc.SendToDLQ(ctx, newOrder(t, "o-dlq"), errors.New("boom"), billingGroup))
	entries, err := svc.ListDLQ(ctx, billingGroup, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.ErrorIs(t, svc.CancelReplay(ctx, "missing"), errspkg.ErrReplayNotFound)
}

func TestPublishRecoversAfterOutage(t *testing.T) {
	flaky := chaos.Wrap(memory.New(memory.Config{}, adapter.Options{}), chaos.Config{Seed: 2})
	svc := newTestService(t, nil, ServiceDependencies{Adapter: flaky})

	flaky.DeclareOutage(200 * time.Millisecond)
	_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-8"))
	require.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
	assert.False(t, errspkg.IsPermanent(err))

	time.Sleep(300 * time.Millisecond)
	res, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-8"))
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPublished, res.Status)
	assert.Equal(t, breaker.StateClosed, svc.Breaker(BreakerPublish).State())
}

func TestChaosPublishingKeepsSideEffectsExactlyOnce(t *testing.T) {
	const events = 50

	conf := testConfig()
	// Keep the breaker out of the way; this scenario exercises dedupe.
	conf.CircuitBreaker.FailureThreshold = 1000
	flaky := chaos.Wrap(memory.New(memory.Config{}, adapter.Options{}), chaos.Config{
		NetworkFailureRate: 0.2,
		PartialFailureRate: 0.1,
		Seed:               42,
	})

	var duplicates atomic.Int32
	svc := newTestService(t, conf, ServiceDependencies{
		Adapter: flaky,
		Hooks:   DeliveryHooks{OnDuplicate: func(DeliveryContext) { duplicates.Add(1) }},
	})

	effects := newSideEffects()
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		effects.record(d.Envelope.ID())
		return nil
	})
	require.NoError(t, err)

	var successes, failures int
	var failed []envelope.Envelope
	for i := 0; i < events; i++ {
		env := newOrder(t, "bulk")
		if _, err := svc.Publish(context.Background(), ordersTopic, env); err != nil {
			require.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
			failures++
			failed = append(failed, env)
			continue
		}
		successes++
	}
	assert.Equal(t, events, successes+failures)
	assert.NotZero(t, failures)

	// Retry failed publishes with the same envelope until they go through.
	for _, env := range failed {
		require.Eventually(t, func() bool {
			_, err := svc.Publish(context.Background(), ordersTopic, env)
			return err == nil
		}, 2*time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return effects.unique() == events }, 5*time.Second, 10*time.Millisecond)

	// Every accepted copy beyond the first is a partial failure that was
	// retried; each must be suppressed as a duplicate.
	partials := flaky.Stats().PartialFailures
	require.Eventually(t, func() bool { return int(duplicates.Load()) == partials }, 5*time.Second, 10*time.Millisecond)

	for id, n := range effects.snapshot() {
		assert.Equalf(t, 1, n, "event %s handled %d times", id, n)
	}
}

func TestReplayedEventsAreSkippedAsDuplicates(t *testing.T) {
	var duplicates atomic.Int32
	svc := newTestService(t, nil, ServiceDependencies{
		Hooks: DeliveryHooks{OnDuplicate: func(DeliveryContext) { duplicates.Add(1) }},
	})
	effects := newSideEffects()
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		effects.record(d.Envelope.ID())
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-9"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return effects.unique() == 3 }, 2*time.Second, 5*time.Millisecond)

	job, err := svc.ReplayEvents(context.Background(), adapter.ReplayRequest{Topic: ordersTopic, ConsumerGroup: billingGroup})
	require.NoError(t, err)
	require.NotEmpty(t, job.ReplayID)

	require.Eventually(t, func() bool {
		job, err = svc.GetReplayStatus(context.Background(), job.ReplayID)
		return err == nil && job.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, adapter.ReplayCompleted, job.Status)
	assert.Equal(t, 3, job.EventsReplayed)

	require.Eventually(t, func() bool { return duplicates.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, n := range effects.snapshot() {
		assert.Equal(t, 1, n)
	}

	// Polling a finished job again must not count it twice.
	_, err = svc.GetReplayStatus(context.Background(), job.ReplayID)
	require.NoError(t, err)
	assert.Contains(t, metricsText(t, svc), `events_replayed_total{tenant_id="acme",topic="tenant.acme.events.orders"} 3`)
}

func TestPublishEventBuildsTenantTopic(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	env, res, err := svc.PublishEvent(context.Background(), "acme", "orders", "order.placed", map[string]any{"order_id": "o-10"})
	require.NoError(t, err)
	assert.Equal(t, "acme", env.TenantID())
	assert.NotEmpty(t, res.MessageID)

	topics, err := svc.ListTopics(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{ordersTopic}, topics)

	_, _, err = svc.PublishEvent(context.Background(), "Not Valid", "orders", "order.placed", nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)
}

func TestStageAndFlushOutbox(t *testing.T) {
	store := outbox.NewMemoryStore()
	svc := newTestService(t, nil, ServiceDependencies{OutboxStore: store})
	require.NotNil(t, svc.Outbox())

	received := make(chan string, 1)
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		received <- d.Envelope.ID()
		return nil
	})
	require.NoError(t, err)

	env := newOrder(t, "o-11")
	require.NoError(t, svc.Stage(context.Background(), ordersTopic, env))

	entry, ok := store.Get(env.ID())
	require.True(t, ok)
	assert.Equal(t, outbox.StatusPending, entry.Status)

	n, err := svc.FlushOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case id := <-received:
		assert.Equal(t, env.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("staged event was never delivered")
	}
	entry, _ = store.Get(env.ID())
	assert.Equal(t, outbox.StatusPublished, entry.Status)

	assert.ErrorIs(t, svc.Stage(context.Background(), "not a topic", env), errspkg.ErrInvalidTopic)
}

func TestStageWithoutOutboxIsRejected(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	err := svc.Stage(context.Background(), ordersTopic, newOrder(t, "o-12"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestRefreshGaugesReportsLagTopicsAndStoreSize(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	effects := newSideEffects()
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		effects.record(d.Envelope.ID())
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-13"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return effects.unique() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		lag, err := svc.GetConsumerLag(context.Background(), billingGroup)
		return err == nil && lag.TotalLag == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.RefreshGauges(context.Background()))

	text := metricsText(t, svc)
	assert.Contains(t, text, `topic_message_count{tenant_id="acme",topic="tenant.acme.events.orders"} 3`)
	assert.Contains(t, text, `consumer_lag_messages{consumer_group="tenant.acme.consumers.billing",tenant_id="acme"} 0`)
	assert.Contains(t, text, `deduplication_store_size{tenant_id="system"} 3`)
	assert.Equal(t, 1, svc.SLOMonitor().WindowLen("consumer_lag"))
}

func TestRunStopsWithContext(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{OutboxStore: outbox.NewMemoryStore()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestHealthHandlerServesTenantHealth(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-14"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?tenant_id=acme", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health slo.Health
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "acme", health.TenantID)
	assert.Equal(t, len(slo.DefaultTargets()), health.SLOSummary.Total)
	assert.GreaterOrEqual(t, health.SLOSummary.Healthy, 1)
	assert.Zero(t, health.SLOSummary.Critical)
}

func TestHealthHandlerReportsCriticalAs503(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{
		SLOTargets: []slo.Target{{
			Name:             "publish_success",
			Metric:           slo.MetricPublishSuccess,
			TargetPercentage: 99,
			TimeWindow:       time.Hour,
		}},
	})
	for i := 0; i < 10; i++ {
		svc.SLOMonitor().RecordMetric(slo.MetricPublishSuccess, 0, map[string]string{"tenant_id": "acme"})
	}

	rec := httptest.NewRecorder()
	svc.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"critical"`)
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	_, err := svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-15"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "events_published_total")
	assert.Contains(t, rec.Body.String(), "event_publish_duration_seconds")
}

func TestCancelReplayUnknownJob(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	err := svc.CancelReplay(context.Background(), "missing")
	assert.ErrorIs(t, err, errspkg.ErrReplayNotFound)
}

func TestUnsubscribeAndClose(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	sub, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, svc.Subscriptions(), 1)

	require.NoError(t, svc.Unsubscribe(context.Background(), sub.ID))
	assert.Empty(t, svc.Subscriptions())

	_, err = svc.Subscribe(context.Background(), ordersTopic, billingGroup, func(ctx context.Context, d adapter.Delivery) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err = svc.Publish(context.Background(), ordersTopic, newOrder(t, "o-16"))
	assert.ErrorIs(t, err, errspkg.ErrClosed)
}

func TestSubscribeRequiresHandler(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	_, err := svc.Subscribe(context.Background(), ordersTopic, billingGroup, nil)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}
