// Package adaptertest is the parity suite every adapter driver must pass.
// Drivers call Run from their own tests with a factory for fresh instances.
package adaptertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// Factory builds a fresh adapter for one test. The suite closes it.
type Factory func(t *testing.T) adapter.Adapter

const waitFor = 10 * time.Second

// Run executes the parity suite against the driver produced by newAdapter.
func Run(t *testing.T, newAdapter Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, a adapter.Adapter)
	}{
		{"PublishReportsStatus", testPublishReportsStatus},
		{"PublishRejectsInvalidTopic", testPublishRejectsInvalidTopic},
		{"TopicInfoShape", testTopicInfoShape},
		{"TenantIsolation", testTenantIsolation},
		{"SubscribeDeliversInKeyOrder", testSubscribeDeliversInKeyOrder},
		{"SubscribeRejectsForeignGroup", testSubscribeRejectsForeignGroup},
		{"ConsumerGroupsAndLag", testConsumerGroupsAndLag},
		{"UnknownGroupHasZeroLag", testUnknownGroupHasZeroLag},
		{"UnsubscribeUnknown", testUnsubscribeUnknown},
		{"SendToDLQ", testSendToDLQ},
		{"ReplayEvents", testReplayEvents},
		{"ReplayNotFound", testReplayNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(t)
			t.Cleanup(func() { _ = a.Close() })
			tt.fn(t, a)
		})
	}
}

// Tenant returns a tenant id unique to this test run so drivers backed by a
// shared broker do not see each other's topics.
func Tenant() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func mustTopic(t *testing.T, tenant, category string) string {
	t.Helper()
	topic, err := envelope.Topic(tenant, category)
	require.NoError(t, err)
	return topic
}

func mustGroup(t *testing.T, tenant, group string) string {
	t.Helper()
	name, err := envelope.ConsumerGroup(tenant, group)
	require.NoError(t, err)
	return name
}

func mustEnvelope(t *testing.T, tenant string, data map[string]any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("order.placed", data, tenant)
	require.NoError(t, err)
	return env
}

func ctxWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handler(ctx context.Context, d adapter.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, d.Envelope.ID())
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func testPublishReportsStatus(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	topic := mustTopic(t, tenant, "orders")

	res, err := a.Publish(ctx, topic, mustEnvelope(t, tenant, nil))
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPublished, res.Status)
	assert.NotEmpty(t, res.MessageID)

	info, err := a.GetTopicInfo(ctx, topic)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Partition, 0)
	assert.Less(t, res.Partition, info.PartitionCount)
}

func testPublishRejectsInvalidTopic(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	env := mustEnvelope(t, tenant, nil)

	_, err := a.Publish(ctx, "orders", env)
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)

	_, err = a.Publish(ctx, mustTopic(t, Tenant(), "orders"), env)
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic, "an envelope cannot cross tenants")
}

func testTopicInfoShape(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	topic := mustTopic(t, tenant, "orders")

	for i := 0; i < 3; i++ {
		_, err := a.Publish(ctx, topic, mustEnvelope(t, tenant, map[string]any{"i": i}))
		require.NoError(t, err)
	}

	var info adapter.TopicInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = a.GetTopicInfo(ctx, topic)
		return err == nil && info.MessageCount == 3
	}, waitFor, 20*time.Millisecond)

	assert.Equal(t, topic, info.Topic)
	assert.Greater(t, info.PartitionCount, 0)
	assert.NotNil(t, info.ConsumerGroups)
	assert.Greater(t, info.RetentionHours, 0)

	_, err := a.GetTopicInfo(ctx, "not-a-topic")
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)
}

func testTenantIsolation(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant1, tenant2 := Tenant(), Tenant()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for _, tenant := range []string{tenant1, tenant2} {
		for _, category := range []string{"orders", "invoices"} {
			wg.Add(1)
			go func(tenant, category string) {
				defer wg.Done()
				topic, err := envelope.Topic(tenant, category)
				if err != nil {
					errs <- err
					return
				}
				env, err := envelope.New("order.placed", nil, tenant)
				if err != nil {
					errs <- err
					return
				}
				if _, err := a.Publish(ctx, topic, env); err != nil {
					errs <- err
				}
			}(tenant, category)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	topics1, err := a.ListTopics(ctx, tenant1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{mustTopic(t, tenant1, "invoices"), mustTopic(t, tenant1, "orders")}, topics1)
	for _, topic := range topics1 {
		assert.NotContains(t, topic, tenant2)
	}

	topics2, err := a.ListTopics(ctx, tenant2)
	require.NoError(t, err)
	for _, topic := range topics2 {
		assert.NotContains(t, topic, tenant1)
	}
}

func testSubscribeDeliversInKeyOrder(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	topic := mustTopic(t, tenant, "orders")
	group := mustGroup(t, tenant, "billing")

	var got collector
	sub, err := a.Subscribe(ctx, topic, group, got.handler)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, group, sub.ConsumerGroup)

	var want []string
	for i := 0; i < 10; i++ {
		env := mustEnvelope(t, tenant, map[string]any{"seq": i})
		want = append(want, env.ID())
		_, err := a.Publish(ctx, topic, env, adapter.WithPartitionKey("customer-42"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) >= len(want) }, waitFor, 20*time.Millisecond)
	assert.Equal(t, want, got.snapshot()[:len(want)])
	require.NoError(t, a.Unsubscribe(ctx, sub.ID))
}

func testSubscribeRejectsForeignGroup(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	topic := mustTopic(t, Tenant(), "orders")
	var got collector

	_, err := a.Subscribe(ctx, topic, mustGroup(t, Tenant(), "billing"), got.handler)
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)

	_, err = a.Subscribe(ctx, "orders", "tenant.x.consumers.billing", got.handler)
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)
}

func testConsumerGroupsAndLag(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant1, tenant2 := Tenant(), Tenant()
	topic1 := mustTopic(t, tenant1, "orders")
	group1 := mustGroup(t, tenant1, "billing")
	topic2 := mustTopic(t, tenant2, "orders")
	group2 := mustGroup(t, tenant2, "audit")

	var got1, got2 collector
	_, err := a.Subscribe(ctx, topic1, group1, got1.handler)
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, topic2, group2, got2.handler)
	require.NoError(t, err)

	_, err = a.Publish(ctx, topic1, mustEnvelope(t, tenant1, nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got1.snapshot()) == 1 }, waitFor, 20*time.Millisecond)

	groups, err := a.ListConsumerGroups(ctx, tenant1)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, group1, groups[0].Name)
	assert.Contains(t, groups[0].Topics, topic1)

	info, err := a.GetTopicInfo(ctx, topic1)
	require.NoError(t, err)
	assert.Contains(t, info.ConsumerGroups, group1)
	assert.NotContains(t, info.ConsumerGroups, group2)

	require.Eventually(t, func() bool {
		lag, err := a.GetConsumerLag(ctx, group1)
		return err == nil && lag.TotalLag == 0 && lag.ConsumerGroup == group1
	}, waitFor, 20*time.Millisecond)
}

func testUnknownGroupHasZeroLag(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	group := mustGroup(t, Tenant(), "nobody")

	lag, err := a.GetConsumerLag(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lag.TotalLag)
	assert.Empty(t, lag.PartitionLags)

	_, err = a.GetConsumerLag(ctx, "nobody")
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)
}

func testUnsubscribeUnknown(t *testing.T, a adapter.Adapter) {
	err := a.Unsubscribe(ctxWithTimeout(t), "sub-missing")
	assert.ErrorIs(t, err, errspkg.ErrSubscriptionNotFound)
}

func testSendToDLQ(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	group := mustGroup(t, tenant, "billing")
	env := mustEnvelope(t, tenant, map[string]any{"total": 10})
	topic := mustTopic(t, tenant, "orders")

	err := a.SendToDLQ(adapter.WithSourceTopic(ctx, topic), env, fmt.Errorf("card declined"), group)
	require.NoError(t, err)

	err = a.SendToDLQ(ctx, env, fmt.Errorf("x"), mustGroup(t, Tenant(), "billing"))
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup, "a group cannot hold another tenant's envelope")

	reader, ok := a.(adapter.DLQReader)
	if !ok {
		return
	}
	entries, err := reader.ListDLQ(ctx, group, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, env.ID(), entries[0].Envelope.ID())
	assert.Equal(t, "card declined", entries[0].Error)
	assert.Equal(t, group, entries[0].ConsumerGroup)
	assert.Equal(t, topic, entries[0].Topic)
}

func testReplayEvents(t *testing.T, a adapter.Adapter) {
	ctx := ctxWithTimeout(t)
	tenant := Tenant()
	topic := mustTopic(t, tenant, "orders")
	group := mustGroup(t, tenant, "billing")

	for i := 0; i < 3; i++ {
		_, err := a.Publish(ctx, topic, mustEnvelope(t, tenant, map[string]any{"i": i}))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		info, err := a.GetTopicInfo(ctx, topic)
		return err == nil && info.MessageCount == 3
	}, waitFor, 20*time.Millisecond)

	job, err := a.ReplayEvents(ctx, adapter.ReplayRequest{Topic: topic, ConsumerGroup: group, MaxEvents: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ReplayID)
	assert.Equal(t, 2, job.EventsCount)

	require.Eventually(t, func() bool {
		status, err := a.GetReplayStatus(ctx, job.ReplayID)
		return err == nil && status.Status == adapter.ReplayCompleted && status.EventsReplayed == 2
	}, waitFor, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		info, err := a.GetTopicInfo(ctx, topic)
		return err == nil && info.MessageCount == 5
	}, waitFor, 20*time.Millisecond, "replayed events go back through publish")

	_, err = a.ReplayEvents(ctx, adapter.ReplayRequest{Topic: topic, ConsumerGroup: mustGroup(t, Tenant(), "billing")})
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)
}

func testReplayNotFound(t *testing.T, a adapter.Adapter) {
	_, err := a.GetReplayStatus(ctxWithTimeout(t), "replay-missing")
	assert.ErrorIs(t, err, errspkg.ErrReplayNotFound)
}
