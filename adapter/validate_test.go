package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

func TestValidateSubscription(t *testing.T) {
	assert.NoError(t, ValidateSubscription("subscribe", "tenant.acme.events.orders", "tenant.acme.consumers.billing"))

	err := ValidateSubscription("subscribe", "orders", "tenant.acme.consumers.billing")
	assert.ErrorIs(t, err, errspkg.ErrInvalidTopic)

	err = ValidateSubscription("subscribe", "tenant.acme.events.orders", "billing")
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)

	err = ValidateSubscription("subscribe", "tenant.acme.events.orders", "tenant.globex.consumers.billing")
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)
}

func TestValidatePublish(t *testing.T) {
	env, err := envelope.New("order.placed", nil, "acme")
	require.NoError(t, err)

	assert.NoError(t, ValidatePublish("publish", "tenant.acme.events.orders", env))
	assert.ErrorIs(t, ValidatePublish("publish", "tenant.globex.events.orders", env), errspkg.ErrInvalidTopic)
	assert.ErrorIs(t, ValidatePublish("publish", "not-a-topic", env), errspkg.ErrInvalidTopic)
	assert.ErrorIs(t, ValidatePublish("publish", "tenant.acme.events.orders", envelope.Envelope{}), errspkg.ErrInvalidArgument)
}

func TestValidateReplay(t *testing.T) {
	base := ReplayRequest{Topic: "tenant.acme.events.orders", ConsumerGroup: "tenant.acme.consumers.billing"}
	assert.NoError(t, ValidateReplay("replay_events", base))

	negative := base
	negative.MaxEvents = -1
	assert.ErrorIs(t, ValidateReplay("replay_events", negative), errspkg.ErrInvalidArgument)

	inverted := base
	inverted.From = time.Now()
	inverted.To = inverted.From.Add(-time.Minute)
	assert.ErrorIs(t, ValidateReplay("replay_events", inverted), errspkg.ErrInvalidArgument)
}

func TestFilterTopicsIsolatesTenants(t *testing.T) {
	names := []string{
		"tenant.tenant2.events.orders",
		"tenant.tenant1.events.orders",
		"tenant.tenant1.dlq.billing",
		"tenant.tenant1.events.invoices",
		"__consumer_offsets",
	}

	assert.Equal(t, []string{"tenant.tenant1.events.invoices", "tenant.tenant1.events.orders"}, FilterTopics(names, "tenant1"))
	assert.Equal(t, []string{"tenant.tenant2.events.orders"}, FilterTopics(names, "tenant2"))
	assert.Len(t, FilterTopics(names, ""), 3)
}

func TestFilterGroups(t *testing.T) {
	groups := []ConsumerGroupInfo{
		{Name: "tenant.tenant2.consumers.audit"},
		{Name: "tenant.tenant1.consumers.billing"},
		{Name: "legacy-group"},
	}

	filtered := FilterGroups(groups, "tenant1")
	require.Len(t, filtered, 1)
	assert.Equal(t, "tenant.tenant1.consumers.billing", filtered[0].Name)
	assert.Len(t, FilterGroups(groups, ""), 2)
}

func TestValidateDLQ(t *testing.T) {
	env, err := envelope.New("order.placed", nil, "acme")
	require.NoError(t, err)

	assert.NoError(t, ValidateDLQ("send_to_dlq", "tenant.acme.consumers.billing", env))
	assert.ErrorIs(t, ValidateDLQ("send_to_dlq", "tenant.globex.consumers.billing", env), errspkg.ErrInvalidConsumerGroup)
	assert.ErrorIs(t, ValidateDLQ("send_to_dlq", "billing", env), errspkg.ErrInvalidConsumerGroup)
	assert.ErrorIs(t, ValidateDLQ("send_to_dlq", "tenant.acme.consumers.billing", envelope.Envelope{}), errspkg.ErrInvalidArgument)
}
