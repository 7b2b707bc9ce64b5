// Package adapter defines the contract every tenantflow backend driver
// implements. Each driver (memory, redis, kafka) lives in its own
// sub-package and registers itself with the adapter registry from init.
package adapter

import (
	"context"
	"time"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// StatusPublished is the only status a successful Publish reports.
const StatusPublished = "published"

// Adapter is the full method set a backend driver must provide.
type Adapter interface {
	// Publish routes env to a partition of topic, creating the topic lazily.
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...PublishOption) (PublishResult, error)
	// Subscribe registers handler as a member of group on topic. Delivery is
	// at-least-once and ordered within a partition.
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error

	// ListTopics returns event topics, restricted to tenantID when it is not empty.
	ListTopics(ctx context.Context, tenantID string) ([]string, error)
	GetTopicInfo(ctx context.Context, topic string) (TopicInfo, error)
	// ListConsumerGroups returns known groups, restricted to tenantID when it is not empty.
	ListConsumerGroups(ctx context.Context, tenantID string) ([]ConsumerGroupInfo, error)
	// GetConsumerLag returns a zero lag for groups with nothing recorded.
	GetConsumerLag(ctx context.Context, group string) (ConsumerLag, error)

	// SendToDLQ stores env with its failure context in the group's dead letter queue.
	SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error
	// ReplayEvents starts an asynchronous job re-publishing stored events.
	ReplayEvents(ctx context.Context, req ReplayRequest) (ReplayJob, error)
	GetReplayStatus(ctx context.Context, replayID string) (ReplayJob, error)

	Capabilities() Capabilities
	Close() error
}

// ReplayCanceller is implemented by adapters that can stop a running replay.
type ReplayCanceller interface {
	CancelReplay(ctx context.Context, replayID string) error
}

// DLQReader is implemented by adapters that can list dead-lettered envelopes.
type DLQReader interface {
	ListDLQ(ctx context.Context, group string, limit int) ([]DLQEntry, error)
}

// Handler processes one delivery. Returning an error triggers redelivery.
type Handler func(ctx context.Context, d Delivery) error

// Delivery is an envelope handed to a consumer group member.
type Delivery struct {
	Envelope      envelope.Envelope
	Topic         string
	ConsumerGroup string
	Partition     int
	// Attempt starts at 1 and grows with every redelivery of the same record.
	Attempt     int
	PublishedAt time.Time
}

// PublishResult is returned by a successful Publish.
type PublishResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Partition int    `json:"partition"`
}

// Subscription identifies one registered member.
type Subscription struct {
	ID            string `json:"id"`
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumer_group"`
}

// TopicInfo describes a topic. PartitionCount differs legitimately between drivers.
type TopicInfo struct {
	Topic          string   `json:"topic"`
	PartitionCount int      `json:"partition_count"`
	MessageCount   int64    `json:"message_count"`
	ConsumerGroups []string `json:"consumer_groups"`
	RetentionHours int      `json:"retention_hours"`
}

// ConsumerGroupInfo describes a consumer group and its members.
type ConsumerGroupInfo struct {
	Name    string   `json:"name"`
	Topics  []string `json:"topics"`
	Members []string `json:"members"`
	Lag     int64    `json:"lag"`
}

// PartitionLag is the backlog of one partition for a group.
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Lag       int64  `json:"lag"`
}

// ConsumerLag is the backlog of a consumer group across its topics.
type ConsumerLag struct {
	ConsumerGroup string         `json:"consumer_group"`
	TotalLag      int64          `json:"total_lag"`
	PartitionLags []PartitionLag `json:"partition_lags"`
}

// PublishOption customises a single Publish call.
type PublishOption func(*PublishOptions)

// PublishOptions holds the resolved publish options.
type PublishOptions struct {
	PartitionKey string
}

// WithPartitionKey routes the envelope by key instead of its id.
func WithPartitionKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.PartitionKey = key
	}
}

// ResolvePublishOptions applies opts and defaults the partition key to the envelope id.
func ResolvePublishOptions(env envelope.Envelope, opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.PartitionKey == "" {
		o.PartitionKey = env.ID()
	}
	return o
}

// Config provides the configuration values needed by drivers. It lets
// drivers read only the keys they need without depending on the config package.
type Config interface {
	GetBackend() string
	GetPartitions() int
	GetRetentionHours() int
	GetMaxDeliveries() int
	GetRedeliveryDelay() time.Duration

	// Redis
	GetRedisURL() string
	GetRedisPassword() string
	GetRedisPollInterval() time.Duration

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
}

// Options carries the collaborators a Builder wires into the driver.
type Options struct {
	Logger   logging.ServiceLogger
	Observer Observer
}

// Builder creates an adapter from config.
type Builder func(ctx context.Context, cfg Config, opts Options) (Adapter, error)

// Observer receives partition-level delivery measurements.
type Observer interface {
	ObservePartition(topic, group string, partition int, queueSize int64, lag time.Duration)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(topic, group string, partition int, queueSize int64, lag time.Duration)

func (f ObserverFunc) ObservePartition(topic, group string, partition int, queueSize int64, lag time.Duration) {
	f(topic, group, partition, queueSize, lag)
}

type nopObserver struct{}

func (nopObserver) ObservePartition(string, string, int, int64, time.Duration) {}

// OrNopObserver returns o, or an observer that drops everything when o is nil.
func OrNopObserver(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

type sourceTopicKey struct{}

// WithSourceTopic records the topic a failing envelope was consumed from so
// SendToDLQ can keep it in the dead letter entry.
func WithSourceTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, sourceTopicKey{}, topic)
}

// SourceTopic returns the topic stored by WithSourceTopic.
func SourceTopic(ctx context.Context) string {
	topic, _ := ctx.Value(sourceTopicKey{}).(string)
	return topic
}
