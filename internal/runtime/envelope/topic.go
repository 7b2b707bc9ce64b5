package envelope

import (
	"regexp"
	"strings"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

const (
	tenantPrefix    = "tenant"
	eventsSegment   = "events"
	groupsSegment   = "consumers"
	deadLetterInfix = "dlq"
)

var (
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	dottedPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)
)

// TopicName is a parsed `tenant.<tenant_id>.events.<category>` address.
type TopicName struct {
	TenantID string
	Category string
}

func (t TopicName) String() string {
	return strings.Join([]string{tenantPrefix, t.TenantID, eventsSegment, t.Category}, ".")
}

// GroupName is a parsed `tenant.<tenant_id>.consumers.<group>` address.
type GroupName struct {
	TenantID string
	Group    string
}

func (g GroupName) String() string {
	return strings.Join([]string{tenantPrefix, g.TenantID, groupsSegment, g.Group}, ".")
}

// Topic derives the topic name for a tenant and category.
func Topic(tenantID, category string) (string, error) {
	if !validSegment(tenantID) {
		return "", errspkg.Ef("envelope.topic", errspkg.ErrInvalidTopic, "invalid tenant id %q", tenantID)
	}
	if !dottedPattern.MatchString(category) {
		return "", errspkg.Ef("envelope.topic", errspkg.ErrInvalidTopic, "invalid category %q", category)
	}
	return TopicName{TenantID: tenantID, Category: category}.String(), nil
}

// ConsumerGroup derives the consumer group name for a tenant and group.
func ConsumerGroup(tenantID, group string) (string, error) {
	if !validSegment(tenantID) {
		return "", errspkg.Ef("envelope.consumer_group", errspkg.ErrInvalidConsumerGroup, "invalid tenant id %q", tenantID)
	}
	if !dottedPattern.MatchString(group) {
		return "", errspkg.Ef("envelope.consumer_group", errspkg.ErrInvalidConsumerGroup, "invalid group %q", group)
	}
	return GroupName{TenantID: tenantID, Group: group}.String(), nil
}

// ParseTopic validates a topic name and splits it into its parts.
func ParseTopic(name string) (TopicName, error) {
	tenantID, rest, ok := splitScoped(name, eventsSegment)
	if !ok || !dottedPattern.MatchString(rest) {
		return TopicName{}, errspkg.Ef("envelope.parse_topic", errspkg.ErrInvalidTopic, "%q is not tenant.<tenant_id>.events.<category>", name)
	}
	return TopicName{TenantID: tenantID, Category: rest}, nil
}

// ParseConsumerGroup validates a consumer group name and splits it into its parts.
func ParseConsumerGroup(name string) (GroupName, error) {
	tenantID, rest, ok := splitScoped(name, groupsSegment)
	if !ok || !dottedPattern.MatchString(rest) {
		return GroupName{}, errspkg.Ef("envelope.parse_consumer_group", errspkg.ErrInvalidConsumerGroup, "%q is not tenant.<tenant_id>.consumers.<group>", name)
	}
	return GroupName{TenantID: tenantID, Group: rest}, nil
}

// TenantOf returns the tenant embedded in any tenant-scoped name, or "" when
// the name carries no tenant prefix.
func TenantOf(name string) string {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 3 || parts[0] != tenantPrefix || !validSegment(parts[1]) {
		return ""
	}
	return parts[1]
}

// BelongsTo reports whether a tenant-scoped name is owned by tenantID. An
// empty tenantID matches every well-formed name.
func BelongsTo(name, tenantID string) bool {
	owner := TenantOf(name)
	if owner == "" {
		return false
	}
	return tenantID == "" || owner == tenantID
}

// DLQTopic maps a consumer group to its tenant-scoped dead letter topic,
// `tenant.<tenant_id>.dlq.<group>`. It never parses as an event topic.
func DLQTopic(consumerGroup string) (string, error) {
	parsed, err := ParseConsumerGroup(consumerGroup)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{tenantPrefix, parsed.TenantID, deadLetterInfix, parsed.Group}, "."), nil
}

// IsEventTopic reports whether name is a well-formed event topic.
func IsEventTopic(name string) bool {
	_, err := ParseTopic(name)
	return err == nil
}

// ValidTenantID reports whether id can be embedded in topic names.
func ValidTenantID(id string) bool {
	return validSegment(id)
}

func splitScoped(name, kind string) (tenantID, rest string, ok bool) {
	parts := strings.SplitN(name, ".", 4)
	if len(parts) != 4 || parts[0] != tenantPrefix || parts[2] != kind || !validSegment(parts[1]) {
		return "", "", false
	}
	return parts[1], parts[3], true
}

func validSegment(s string) bool {
	return segmentPattern.MatchString(s)
}
