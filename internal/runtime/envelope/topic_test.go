package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

func TestTopicNaming(t *testing.T) {
	topic, err := Topic("acme", "billing")
	require.NoError(t, err)
	assert.Equal(t, "tenant.acme.events.billing", topic)

	topic, err = Topic("acme", "billing.invoices")
	require.NoError(t, err)
	parsed, err := ParseTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, TopicName{TenantID: "acme", Category: "billing.invoices"}, parsed)

	_, err = Topic("acme", "")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidTopic))
	_, err = Topic("", "billing")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidTopic))
}

func TestConsumerGroupNaming(t *testing.T) {
	group, err := ConsumerGroup("acme", "invoicing")
	require.NoError(t, err)
	assert.Equal(t, "tenant.acme.consumers.invoicing", group)

	parsed, err := ParseConsumerGroup(group)
	require.NoError(t, err)
	assert.Equal(t, "acme", parsed.TenantID)
	assert.Equal(t, "invoicing", parsed.Group)

	_, err = ParseConsumerGroup("tenant.acme.events.invoicing")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidConsumerGroup))
}

func TestParseTopicRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{
		"",
		"orders",
		"tenant.acme.events",
		"tenant.acme.events.",
		"tenant..events.orders",
		"tenants.acme.events.orders",
		"tenant.acme.consumers.orders",
		"tenant.acme.dlq.orders",
	} {
		_, err := ParseTopic(name)
		assert.Truef(t, errors.Is(err, errspkg.ErrInvalidTopic), "expected %q to be rejected", name)
	}
}

func TestTenantOwnership(t *testing.T) {
	assert.Equal(t, "tenant1", TenantOf("tenant.tenant1.events.orders"))
	assert.Equal(t, "", TenantOf("orders"))
	assert.True(t, BelongsTo("tenant.tenant1.events.orders", "tenant1"))
	assert.False(t, BelongsTo("tenant.tenant1.events.orders", "tenant2"))
	assert.True(t, BelongsTo("tenant.tenant1.events.orders", ""))
	assert.False(t, BelongsTo("__consumer_offsets", ""))
}

func TestDLQTopic(t *testing.T) {
	dlq, err := DLQTopic("tenant.acme.consumers.billing")
	require.NoError(t, err)
	assert.Equal(t, "tenant.acme.dlq.billing", dlq)
	assert.False(t, IsEventTopic(dlq))
	assert.Equal(t, "acme", TenantOf(dlq))

	_, err = DLQTopic("tenant.acme.events.orders")
	assert.ErrorIs(t, err, errspkg.ErrInvalidConsumerGroup)
}
