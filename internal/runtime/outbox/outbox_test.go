package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

const ordersTopic = "tenant.acme.events.orders"

func newEntry(t *testing.T) Entry {
	t.Helper()
	env, err := envelope.New("order.placed", map[string]any{"order_id": "o-1"}, "acme")
	require.NoError(t, err)
	return Entry{Topic: ordersTopic, Envelope: env, PartitionKey: "o-1"}
}

type fakePublisher struct {
	mu        sync.Mutex
	failures  []error
	published []string
	keys      []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return adapter.PublishResult{}, err
	}
	p.published = append(p.published, env.ID())
	p.keys = append(p.keys, adapter.ResolvePublishOptions(env, opts...).PartitionKey)
	return adapter.PublishResult{Status: adapter.StatusPublished, MessageID: env.ID()}, nil
}

type recorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recorder) OutboxEntry(tenantID, status string, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, tenantID+":"+status)
}

func fastRelay(store Store, pub Publisher, rec Recorder) *Relay {
	return NewRelay(store, pub, RelayConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxAttempts:     2,
		Recorder:        rec,
	})
}

func TestMemoryStoreClaimsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newEntry(t)
	require.NoError(t, store.Add(ctx, e))
	assert.ErrorIs(t, store.Add(ctx, e), errspkg.ErrInvalidArgument)

	batch, err := store.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, e.Envelope.ID(), batch[0].ID)
	assert.Equal(t, StatusProcessing, batch[0].Status)

	again, err := store.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryStoreReclaimsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	require.NoError(t, store.Add(ctx, newEntry(t)))

	_, err := store.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	batch, err := store.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestMemoryStoreOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		e := newEntry(t)
		e.CreatedAt = base.Add(time.Duration(3-i) * time.Second)
		ids = append([]string{e.Envelope.ID()}, ids...)
		require.NoError(t, store.Add(ctx, e))
	}

	batch, err := store.FetchPending(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[0], batch[0].ID)
	assert.Equal(t, ids[1], batch[1].ID)
}

func TestMemoryStoreRejectsIncompleteEntry(t *testing.T) {
	err := NewMemoryStore().Add(context.Background(), Entry{Topic: ordersTopic})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestRelayPublishesPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newEntry(t)
	require.NoError(t, store.Add(ctx, e))

	pub := &fakePublisher{}
	rec := &recorder{}
	n, err := fastRelay(store, pub, rec).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{e.Envelope.ID()}, pub.published)
	assert.Equal(t, []string{"o-1"}, pub.keys)
	assert.Equal(t, []string{"acme:published"}, rec.statuses)

	stored, ok := store.Get(e.Envelope.ID())
	require.True(t, ok)
	assert.Equal(t, StatusPublished, stored.Status)
}

func TestRelayRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Add(ctx, newEntry(t)))

	unavailable := errspkg.E("publish", errspkg.ErrBackendUnavailable, nil)
	pub := &fakePublisher{failures: []error{unavailable, unavailable}}
	n, err := fastRelay(store, pub, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayReturnsEntryAfterExhaustedBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newEntry(t)
	require.NoError(t, store.Add(ctx, e))

	unavailable := errspkg.E("publish", errspkg.ErrBackendUnavailable, nil)
	pub := &fakePublisher{failures: []error{unavailable, unavailable, unavailable}}
	relay := fastRelay(store, pub, nil)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	stored, _ := store.Get(e.Envelope.ID())
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	// Backend recovered.
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelayParksPermanentFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newEntry(t)
	require.NoError(t, store.Add(ctx, e))

	pub := &fakePublisher{failures: []error{errspkg.E("publish", errspkg.ErrInvalidTopic, nil)}}
	rec := &recorder{}
	n, err := fastRelay(store, pub, rec).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, _ := store.Get(e.Envelope.ID())
	assert.Equal(t, StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.LastError)
	assert.Equal(t, []string{"acme:failed"}, rec.statuses)
}

func TestRelayRunStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Add(context.Background(), newEntry(t)))
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewRelay(store, pub, RelayConfig{PollInterval: 5 * time.Millisecond}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.published) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TENANTFLOW_POSTGRES_URL")
	if url == "" {
		t.Skip("TENANTFLOW_POSTGRES_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	e := newEntry(t)
	require.NoError(t, store.WithinTransaction(ctx, func(ctx context.Context) error {
		return store.Add(ctx, e)
	}))

	batch, err := store.FetchPending(ctx, 1000, time.Minute)
	require.NoError(t, err)
	var found *Entry
	for i := range batch {
		if batch[i].ID == e.Envelope.ID() {
			found = &batch[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, e.Envelope.ID(), found.Envelope.ID())
	assert.Equal(t, "o-1", found.PartitionKey)

	require.NoError(t, store.MarkPublished(ctx, e.Envelope.ID()))
	assert.ErrorIs(t, store.MarkPublished(ctx, "missing"), errspkg.ErrInvalidArgument)
}
