package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults(RetryMiddlewareConfig{})
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, time.Second, cfg.MaxInterval)
	require.NotNil(t, cfg.RetryIf)
	assert.False(t, cfg.RetryIf(errspkg.Permanent(errors.New("bad"))))

	cfg = RetryMiddlewareConfig{MaxRetries: 7}.withDefaults(RetryMiddlewareConfig{MaxRetries: 1, InitialInterval: time.Millisecond})
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, time.Millisecond, cfg.InitialInterval)
}

func TestRetryMiddlewareStopsOnPermanentErrors(t *testing.T) {
	mw := retryMiddleware(RetryMiddlewareConfig{MaxRetries: 5}.withDefaults(RetryMiddlewareConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))

	calls := 0
	err := mw(func(ctx context.Context, d adapter.Delivery) error {
		calls++
		return errspkg.Permanent(errors.New("malformed"))
	})(context.Background(), testDelivery(t))

	require.Error(t, err)
	assert.True(t, errspkg.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestRetryMiddlewareGivesUpAfterMaxRetries(t *testing.T) {
	mw := retryMiddleware(RetryMiddlewareConfig{MaxRetries: 2}.withDefaults(RetryMiddlewareConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))

	calls := 0
	boom := errors.New("boom")
	err := mw(func(ctx context.Context, d adapter.Delivery) error {
		calls++
		return boom
	})(context.Background(), testDelivery(t))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestCustomMiddlewaresWrapOutermostFirst(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return func(h adapter.Handler) adapter.Handler {
			return func(ctx context.Context, d adapter.Delivery) error {
				order = append(order, name+".before")
				err := h(ctx, d)
				order = append(order, name+".after")
				return err
			}
		}
	}

	svc := newTestService(t, nil, ServiceDependencies{
		DisableDefaultMiddlewares: true,
		Middlewares: []MiddlewareRegistration{
			{Name: "outer", Middleware: record("outer")},
			{Name: "inner", Builder: func(*Service) (Middleware, error) { return record("inner"), nil }},
		},
	})

	h := svc.chain(func(ctx context.Context, d adapter.Delivery) error {
		order = append(order, "handler")
		return nil
	})
	ctx := withDeliveryState(context.Background())
	require.NoError(t, h(ctx, testDelivery(t)))

	assert.Equal(t, []string{"outer.before", "inner.before", "handler", "inner.after", "outer.after"}, order)
	assert.Equal(t, dedupe.OutcomeProcessed, deliveryStateFrom(ctx).outcome)
}

func TestChainRetriesThroughProcessor(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	calls := 0
	h := svc.chain(func(ctx context.Context, d adapter.Delivery) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	d := testDelivery(t)

	ctx := withDeliveryState(context.Background())
	require.NoError(t, h(ctx, d))
	assert.Equal(t, 2, deliveryStateFrom(ctx).attempts)
	assert.Equal(t, 1, deliveryStateFrom(ctx).retries())

	ctx = withDeliveryState(context.Background())
	require.NoError(t, h(ctx, d))
	assert.Equal(t, dedupe.OutcomeDuplicate, deliveryStateFrom(ctx).outcome)
	assert.Equal(t, 2, calls)
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})

	err := svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"})
	assert.Error(t, err)

	err = svc.RegisterMiddleware(MiddlewareRegistration{
		Name:    "failing",
		Builder: func(*Service) (Middleware, error) { return nil, errors.New("cannot build") },
	})
	assert.Error(t, err)

	require.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Name:       "noop",
		Middleware: func(h adapter.Handler) adapter.Handler { return h },
	}))
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"tracer", "log_deliveries", "delivery_hooks", "metrics", "retry"}, names)
}
