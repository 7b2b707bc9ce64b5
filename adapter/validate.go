package adapter

import (
	"sort"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// ValidateTopic rejects names that are not `tenant.<tenant_id>.events.<category>`.
func ValidateTopic(op, topic string) error {
	if _, err := envelope.ParseTopic(topic); err != nil {
		return errspkg.E(op, errspkg.ErrInvalidTopic, err)
	}
	return nil
}

// ValidateSubscription checks topic and group names and that both belong to
// the same tenant.
func ValidateSubscription(op, topic, group string) error {
	parsedTopic, err := envelope.ParseTopic(topic)
	if err != nil {
		return errspkg.E(op, errspkg.ErrInvalidTopic, err)
	}
	parsedGroup, err := envelope.ParseConsumerGroup(group)
	if err != nil {
		return errspkg.E(op, errspkg.ErrInvalidConsumerGroup, err)
	}
	if parsedGroup.TenantID != parsedTopic.TenantID {
		return errspkg.Ef(op, errspkg.ErrInvalidConsumerGroup, "group %q cannot consume topic %q of another tenant", group, topic)
	}
	return nil
}

// ValidatePublish checks the topic and that env belongs to the topic's tenant.
func ValidatePublish(op, topic string, env envelope.Envelope) error {
	parsed, err := envelope.ParseTopic(topic)
	if err != nil {
		return errspkg.E(op, errspkg.ErrInvalidTopic, err)
	}
	if env.IsZero() {
		return errspkg.Ef(op, errspkg.ErrInvalidArgument, "empty envelope")
	}
	if env.TenantID() != parsed.TenantID {
		return errspkg.Ef(op, errspkg.ErrInvalidTopic, "envelope of tenant %q cannot be published to %q", env.TenantID(), topic)
	}
	return nil
}

// ValidateGroup rejects names that are not `tenant.<tenant_id>.consumers.<group>`.
func ValidateGroup(op, group string) error {
	if _, err := envelope.ParseConsumerGroup(group); err != nil {
		return errspkg.E(op, errspkg.ErrInvalidConsumerGroup, err)
	}
	return nil
}

// ValidateDLQ checks that env may be dead-lettered under group.
func ValidateDLQ(op, group string, env envelope.Envelope) error {
	parsed, err := envelope.ParseConsumerGroup(group)
	if err != nil {
		return errspkg.E(op, errspkg.ErrInvalidConsumerGroup, err)
	}
	if env.IsZero() {
		return errspkg.Ef(op, errspkg.ErrInvalidArgument, "empty envelope")
	}
	if env.TenantID() != parsed.TenantID {
		return errspkg.Ef(op, errspkg.ErrInvalidConsumerGroup, "group %q cannot hold an envelope of tenant %q", group, env.TenantID())
	}
	return nil
}

// ValidateReplay checks a replay request before a job is created.
func ValidateReplay(op string, req ReplayRequest) error {
	if err := ValidateSubscription(op, req.Topic, req.ConsumerGroup); err != nil {
		return err
	}
	if req.MaxEvents < 0 {
		return errspkg.Ef(op, errspkg.ErrInvalidArgument, "max events cannot be negative")
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return errspkg.Ef(op, errspkg.ErrInvalidArgument, "replay window ends before it starts")
	}
	return nil
}

// FilterTopics keeps the event topics owned by tenantID (all tenants when
// empty), sorted. Dead letter topics and foreign names never pass.
func FilterTopics(names []string, tenantID string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if envelope.IsEventTopic(name) && envelope.BelongsTo(name, tenantID) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FilterGroups keeps the groups owned by tenantID (all tenants when empty),
// sorted by name.
func FilterGroups(groups []ConsumerGroupInfo, tenantID string) []ConsumerGroupInfo {
	out := make([]ConsumerGroupInfo, 0, len(groups))
	for _, g := range groups {
		if _, err := envelope.ParseConsumerGroup(g.Name); err != nil {
			continue
		}
		if envelope.BelongsTo(g.Name, tenantID) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
