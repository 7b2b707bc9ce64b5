package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow"
)

func newTestRouter(t *testing.T) (*tenantflow.Service, http.Handler) {
	t.Helper()
	svc, err := tenantflow.NewService(context.Background(), tenantflow.DefaultConfig(), tenantflow.NopLogger(), tenantflow.ServiceDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, newRouter(svc)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	svc, h := newTestRouter(t)
	_, _, err := svc.PublishEvent(context.Background(), "acme", "orders", "order.placed", map[string]any{"order_id": "o-1"})
	require.NoError(t, err)

	rec := get(t, h, "/health?tenant_id=acme")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant_id":"acme"`)

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "events_published_total")
}

func TestRouterTopicsAndBreakers(t *testing.T) {
	svc, h := newTestRouter(t)
	_, _, err := svc.PublishEvent(context.Background(), "acme", "orders", "order.placed", map[string]any{"order_id": "o-2"})
	require.NoError(t, err)

	rec := get(t, h, "/v1/topics?tenant_id=acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["tenant.acme.events.orders"]`, rec.Body.String())

	rec = get(t, h, "/v1/topics/tenant.acme.events.orders")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant.acme.events.orders")

	rec = get(t, h, "/v1/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), tenantflow.BreakerPublish)
}

func TestRouterMapsErrors(t *testing.T) {
	_, h := newTestRouter(t)

	rec := get(t, h, "/v1/topics/not-a-topic")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/v1/replays/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/v1/groups/tenant.acme.consumers.billing/dlq")
	assert.Equal(t, http.StatusOK, rec.Code)
}
