// Package kafka provides an adapter driver on Apache Kafka. Publishing and
// group consumption go through watermill-kafka; topic management, offsets
// and replay reads use sarama directly.
package kafka

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// AdapterName is the name used to register this driver.
const AdapterName = "kafka"

const (
	defaultRetentionHours  = 168
	defaultMaxDeliveries   = 3
	defaultRedeliveryDelay = 100 * time.Millisecond
	defaultClientID        = "tenantflow"
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	adapter.RegisterWithCapabilities(AdapterName, Build, adapter.KafkaCapabilities)
}

// Config tunes the kafka driver. Zero values fall back to defaults.
type Config struct {
	Brokers           []string
	ClientID          string
	Partitions        int
	ReplicationFactor int16
	RetentionHours    int
	MaxDeliveries     int
	RedeliveryDelay   time.Duration
}

func (c Config) withDefaults() Config {
	c.Partitions = adapter.KafkaCapabilities.PartitionsFor(c.Partitions)
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = defaultRetentionHours
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = defaultRedeliveryDelay
	}
	return c
}

func saramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Return.Errors = true
	return cfg
}

func publisherSaramaConfig(clientID string) *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	return cfg
}

func subscriberSaramaConfig(clientID string) *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// Build connects to the configured brokers.
func Build(ctx context.Context, cfg adapter.Config, opts adapter.Options) (adapter.Adapter, error) {
	kcfg := Config{
		Brokers:         cfg.GetKafkaBrokers(),
		ClientID:        cfg.GetKafkaClientID(),
		Partitions:      cfg.GetPartitions(),
		RetentionHours:  cfg.GetRetentionHours(),
		MaxDeliveries:   cfg.GetMaxDeliveries(),
		RedeliveryDelay: cfg.GetRedeliveryDelay(),
	}.withDefaults()
	if len(kcfg.Brokers) == 0 {
		return nil, errspkg.Ef("kafka.build", errspkg.ErrInvalidArgument, "brokers are required")
	}
	log := logging.OrNop(opts.Logger)

	cluster, err := ClusterFactory(kcfg.Brokers, saramaConfig(kcfg.ClientID))
	if err != nil {
		return nil, errspkg.E("kafka.build", errspkg.ErrBackendUnavailable, err)
	}
	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               kcfg.Brokers,
		Marshaler:             newPartitionMarshaler(),
		OverwriteSaramaConfig: publisherSaramaConfig(kcfg.ClientID),
	}, logging.NewWatermillAdapter(log))
	if err != nil {
		_ = cluster.Close()
		return nil, errspkg.E("kafka.build", errspkg.ErrBackendUnavailable, err)
	}
	return New(cluster, publisher, kcfg, opts), nil
}

// Adapter is the kafka driver.
type Adapter struct {
	cfg       Config
	cluster   *Cluster
	publisher message.Publisher
	marshaler partitionMarshaler
	log       logging.ServiceLogger
	observer  adapter.Observer
	replays   *adapter.ReplayTracker

	mu          sync.Mutex
	partitions  map[string]int
	subs        map[string]*subscription
	groupTopics map[string]map[string]struct{}
	closed      bool
}

type subscription struct {
	id         string
	topic      string
	group      string
	handler    adapter.Handler
	subscriber message.Subscriber
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.DLQReader = (*Adapter)(nil)
var _ adapter.ReplayCanceller = (*Adapter)(nil)

// New creates a kafka adapter over an existing cluster connection and
// publisher. The adapter takes ownership of both.
func New(cluster *Cluster, publisher message.Publisher, cfg Config, opts adapter.Options) *Adapter {
	log := logging.OrNop(opts.Logger)
	return &Adapter{
		cfg:         cfg.withDefaults(),
		cluster:     cluster,
		publisher:   publisher,
		marshaler:   newPartitionMarshaler(),
		log:         log,
		observer:    adapter.OrNopObserver(opts.Observer),
		replays:     adapter.NewReplayTracker(log),
		partitions:  make(map[string]int),
		subs:        make(map[string]*subscription),
		groupTopics: make(map[string]map[string]struct{}),
	}
}

// Capabilities returns the capabilities of this driver.
func (a *Adapter) Capabilities() adapter.Capabilities {
	caps := adapter.KafkaCapabilities
	caps.DefaultPartitions = a.cfg.Partitions
	return caps
}

func (a *Adapter) checkOpen(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errspkg.FromContext(op, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errspkg.E(op, errspkg.ErrClosed, nil)
	}
	return nil
}

func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errspkg.FromContext(op, err)
	}
	return errspkg.E(op, errspkg.ErrBackendUnavailable, err)
}

// ensureTopic returns the partition count of topic, creating it with the
// configured partitions and retention when the broker does not know it.
func (a *Adapter) ensureTopic(topic string) (int, error) {
	a.mu.Lock()
	n, ok := a.partitions[topic]
	a.mu.Unlock()
	if ok {
		return n, nil
	}

	parts, err := a.cluster.Client.Partitions(topic)
	if err == nil && len(parts) > 0 {
		return a.cachePartitions(topic, len(parts)), nil
	}
	if err != nil && !errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return 0, backendErr("topic", err)
	}

	retention := strconv.FormatInt((time.Duration(a.cfg.RetentionHours) * time.Hour).Milliseconds(), 10)
	err = a.cluster.Admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     int32(a.cfg.Partitions),
		ReplicationFactor: a.cfg.ReplicationFactor,
		ConfigEntries:     map[string]*string{"retention.ms": &retention},
	}, false)
	if err != nil && !topicExists(err) {
		return 0, backendErr("topic", err)
	}
	if err := a.cluster.Client.RefreshMetadata(topic); err != nil {
		a.log.Debug("Metadata refresh failed", logging.LogFields{"topic": topic, "error": err.Error()})
	}
	if parts, err := a.cluster.Client.Partitions(topic); err == nil && len(parts) > 0 {
		return a.cachePartitions(topic, len(parts)), nil
	}
	return a.cfg.Partitions, nil
}

func (a *Adapter) cachePartitions(topic string, n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partitions[topic] = n
	return n
}

// knownPartitions returns the partitions of topic, or nil when the broker
// does not know it.
func (a *Adapter) knownPartitions(topic string) ([]int32, error) {
	parts, err := a.cluster.Client.Partitions(topic)
	if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sortedPartitions(parts), nil
}

// Publish sends env to the partition selected by its partition key.
func (a *Adapter) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	if err := adapter.ValidatePublish("publish", topic, env); err != nil {
		return adapter.PublishResult{}, err
	}
	if err := a.checkOpen(ctx, "publish"); err != nil {
		return adapter.PublishResult{}, err
	}
	options := adapter.ResolvePublishOptions(env, opts...)

	n, err := a.ensureTopic(topic)
	if err != nil {
		return adapter.PublishResult{}, err
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		return adapter.PublishResult{}, errspkg.E("publish", errspkg.ErrInvalidArgument, err)
	}

	p := adapter.PartitionFor(options.PartitionKey, n)
	msg := newMessage(env.ID(), payload, env, options.PartitionKey, p)
	msg.SetContext(ctx)
	if err := a.publisher.Publish(topic, msg); err != nil {
		return adapter.PublishResult{}, backendErr("publish", err)
	}
	return adapter.PublishResult{Status: adapter.StatusPublished, MessageID: env.ID(), Partition: p}, nil
}

// Subscribe joins group on topic with a new watermill subscriber. Kafka
// balances partitions across every member of the group, in any process.
func (a *Adapter) Subscribe(ctx context.Context, topic, group string, handler adapter.Handler) (adapter.Subscription, error) {
	if err := adapter.ValidateSubscription("subscribe", topic, group); err != nil {
		return adapter.Subscription{}, err
	}
	if handler == nil {
		return adapter.Subscription{}, errspkg.Ef("subscribe", errspkg.ErrInvalidArgument, "handler is required")
	}
	if err := a.checkOpen(ctx, "subscribe"); err != nil {
		return adapter.Subscription{}, err
	}
	if _, err := a.ensureTopic(topic); err != nil {
		return adapter.Subscription{}, err
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               a.cfg.Brokers,
		Unmarshaler:           a.marshaler,
		OverwriteSaramaConfig: subscriberSaramaConfig(a.cfg.ClientID),
		ConsumerGroup:         group,
		NackResendSleep:       a.cfg.RedeliveryDelay,
		ReconnectRetrySleep:   time.Second,
	}, logging.NewWatermillAdapter(a.log))
	if err != nil {
		return adapter.Subscription{}, backendErr("subscribe", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = subscriber.Close()
		return adapter.Subscription{}, backendErr("subscribe", err)
	}

	sub := &subscription{
		id:         ids.NewSubscriptionID(),
		topic:      topic,
		group:      group,
		handler:    handler,
		subscriber: subscriber,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		_ = subscriber.Close()
		return adapter.Subscription{}, errspkg.E("subscribe", errspkg.ErrClosed, nil)
	}
	a.subs[sub.id] = sub
	if a.groupTopics[group] == nil {
		a.groupTopics[group] = make(map[string]struct{})
	}
	a.groupTopics[group][topic] = struct{}{}
	a.mu.Unlock()

	go a.consume(subCtx, sub, msgs)
	return adapter.Subscription{ID: sub.id, Topic: topic, ConsumerGroup: group}, nil
}

func (a *Adapter) consume(ctx context.Context, sub *subscription, msgs <-chan *message.Message) {
	defer close(sub.done)
	logger := a.log.With(logging.LogFields{
		"topic":           sub.topic,
		"consumer_group":  sub.group,
		"subscription_id": sub.id,
	})
	attempts := make(map[string]int)
	for msg := range msgs {
		a.handle(ctx, logger, sub, msg, attempts)
	}
}

// handle delivers one message. Failures are nacked for redelivery until the
// attempts run out or the error is permanent; then the envelope is
// dead-lettered and the message acked.
func (a *Adapter) handle(ctx context.Context, logger logging.ServiceLogger, sub *subscription, msg *message.Message, attempts map[string]int) {
	rec, err := recordFromMessage(sub.topic, msg)
	if err != nil {
		logger.Error("Dropping undecodable message", err, logging.LogFields{"message_uuid": msg.UUID})
		msg.Ack()
		return
	}

	key := strconv.Itoa(rec.Partition) + "/" + rec.Offset
	attempt := attempts[key] + 1
	herr := adapter.InvokeHandler(ctx, sub.handler, adapter.Delivery{
		Envelope:      rec.Envelope,
		Topic:         sub.topic,
		ConsumerGroup: sub.group,
		Partition:     rec.Partition,
		Attempt:       attempt,
		PublishedAt:   rec.PublishedAt,
	})
	if herr == nil {
		delete(attempts, key)
		msg.Ack()
		a.observe(sub, rec)
		return
	}
	if ctx.Err() != nil {
		msg.Nack()
		return
	}

	fields := logging.LogFields{"event_id": rec.Envelope.ID(), "attempt": attempt}
	if attempt < a.cfg.MaxDeliveries && !errspkg.IsPermanent(herr) {
		attempts[key] = attempt
		logger.Debug("Delivery failed, redelivering", fields)
		msg.Nack()
		return
	}

	logger.Error("Delivery exhausted, dead-lettering", herr, fields)
	if err := a.SendToDLQ(adapter.WithSourceTopic(ctx, sub.topic), rec.Envelope, herr, sub.group); err != nil {
		logger.Error("Dead letter failed", err, fields)
		msg.Nack()
		return
	}
	delete(attempts, key)
	msg.Ack()
}

func (a *Adapter) observe(sub *subscription, rec adapter.Record) {
	var queue int64
	if offset, err := strconv.ParseInt(rec.Offset, 10, 64); err == nil {
		if newest, err := a.cluster.Client.GetOffset(sub.topic, int32(rec.Partition), sarama.OffsetNewest); err == nil && newest > offset {
			queue = newest - offset - 1
		}
	}
	a.observer.ObservePartition(sub.topic, sub.group, rec.Partition, queue, time.Since(rec.PublishedAt))
}

// Unsubscribe stops a subscription and leaves the group.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	a.mu.Lock()
	sub, ok := a.subs[subscriptionID]
	if ok {
		delete(a.subs, subscriptionID)
	}
	a.mu.Unlock()
	if !ok {
		return errspkg.Ef("unsubscribe", errspkg.ErrSubscriptionNotFound, "%s", subscriptionID)
	}
	return a.stop(sub)
}

func (a *Adapter) stop(sub *subscription) error {
	sub.cancel()
	err := sub.subscriber.Close()
	<-sub.done
	return err
}

// ListTopics returns event topics visible to tenantID.
func (a *Adapter) ListTopics(ctx context.Context, tenantID string) ([]string, error) {
	if err := a.checkOpen(ctx, "list_topics"); err != nil {
		return nil, err
	}
	topics, err := a.cluster.Admin.ListTopics()
	if err != nil {
		return nil, backendErr("list_topics", err)
	}
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return adapter.FilterTopics(names, tenantID), nil
}

// GetTopicInfo describes topic from partition offsets and committed group
// offsets. Unknown topics report zero messages.
func (a *Adapter) GetTopicInfo(ctx context.Context, topic string) (adapter.TopicInfo, error) {
	if err := adapter.ValidateTopic("get_topic_info", topic); err != nil {
		return adapter.TopicInfo{}, err
	}
	if err := a.checkOpen(ctx, "get_topic_info"); err != nil {
		return adapter.TopicInfo{}, err
	}

	info := adapter.TopicInfo{
		Topic:          topic,
		PartitionCount: a.cfg.Partitions,
		ConsumerGroups: []string{},
		RetentionHours: a.cfg.RetentionHours,
	}
	parts, err := a.knownPartitions(topic)
	if err != nil {
		return adapter.TopicInfo{}, backendErr("get_topic_info", err)
	}
	if parts != nil {
		info.PartitionCount = len(parts)
		for _, p := range parts {
			oldest, newest, err := a.cluster.bounds(topic, p)
			if err != nil {
				return adapter.TopicInfo{}, backendErr("get_topic_info", err)
			}
			info.MessageCount += newest - oldest
		}
	}

	names, err := a.groupNames(envelope.TenantOf(topic))
	if err != nil {
		return adapter.TopicInfo{}, err
	}
	for _, name := range names {
		topics, err := a.groupTopicSet(name)
		if err != nil {
			return adapter.TopicInfo{}, err
		}
		if _, ok := topics[topic]; ok {
			info.ConsumerGroups = append(info.ConsumerGroups, name)
		}
	}
	return info, nil
}

// groupNames lists broker and local consumer groups owned by tenantID.
func (a *Adapter) groupNames(tenantID string) ([]string, error) {
	listed, err := a.cluster.Admin.ListConsumerGroups()
	if err != nil {
		return nil, backendErr("list_consumer_groups", err)
	}
	set := make(map[string]struct{}, len(listed))
	for name := range listed {
		set[name] = struct{}{}
	}
	a.mu.Lock()
	for name := range a.groupTopics {
		set[name] = struct{}{}
	}
	a.mu.Unlock()

	names := make([]string, 0, len(set))
	for name := range set {
		if envelope.BelongsTo(name, tenantID) {
			if _, err := envelope.ParseConsumerGroup(name); err == nil {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// groupTopicSet returns the event topics group has committed offsets on or
// subscribes to from this process.
func (a *Adapter) groupTopicSet(group string) (map[string]struct{}, error) {
	committed, err := a.cluster.committedOffsets(group)
	if err != nil {
		return nil, backendErr("consumer_group", err)
	}
	set := make(map[string]struct{})
	for topic := range committed {
		if envelope.IsEventTopic(topic) {
			set[topic] = struct{}{}
		}
	}
	a.mu.Lock()
	for topic := range a.groupTopics[group] {
		set[topic] = struct{}{}
	}
	a.mu.Unlock()
	return set, nil
}

// ListConsumerGroups returns the groups visible to tenantID with their
// broker-side members.
func (a *Adapter) ListConsumerGroups(ctx context.Context, tenantID string) ([]adapter.ConsumerGroupInfo, error) {
	if err := a.checkOpen(ctx, "list_consumer_groups"); err != nil {
		return nil, err
	}
	names, err := a.groupNames(tenantID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []adapter.ConsumerGroupInfo{}, nil
	}

	members := make(map[string][]string)
	descriptions, err := a.cluster.Admin.DescribeConsumerGroups(names)
	if err != nil {
		return nil, backendErr("list_consumer_groups", err)
	}
	for _, desc := range descriptions {
		if desc == nil || desc.Err != sarama.ErrNoError {
			continue
		}
		for id := range desc.Members {
			members[desc.GroupId] = append(members[desc.GroupId], id)
		}
	}
	local := a.localMembers()

	groups := make([]adapter.ConsumerGroupInfo, 0, len(names))
	for _, name := range names {
		lag, err := a.consumerLag(name)
		if err != nil {
			return nil, err
		}
		info := adapter.ConsumerGroupInfo{Name: name, Lag: lag.TotalLag, Members: members[name]}
		if len(info.Members) == 0 {
			info.Members = local[name]
		}
		if info.Members == nil {
			info.Members = []string{}
		}
		sort.Strings(info.Members)
		topics, err := a.groupTopicSet(name)
		if err != nil {
			return nil, err
		}
		for topic := range topics {
			info.Topics = append(info.Topics, topic)
		}
		sort.Strings(info.Topics)
		groups = append(groups, info)
	}
	return adapter.FilterGroups(groups, tenantID), nil
}

func (a *Adapter) localMembers() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]string)
	for id, sub := range a.subs {
		out[sub.group] = append(out[sub.group], id)
	}
	return out
}

// GetConsumerLag compares each partition's high-water mark with the group's
// committed offset. Partitions without a commit count from the oldest offset.
func (a *Adapter) GetConsumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	if err := adapter.ValidateGroup("get_consumer_lag", group); err != nil {
		return adapter.ConsumerLag{}, err
	}
	if err := a.checkOpen(ctx, "get_consumer_lag"); err != nil {
		return adapter.ConsumerLag{}, err
	}
	return a.consumerLag(group)
}

func (a *Adapter) consumerLag(group string) (adapter.ConsumerLag, error) {
	lag := adapter.ConsumerLag{ConsumerGroup: group}
	committed, err := a.cluster.committedOffsets(group)
	if err != nil {
		return adapter.ConsumerLag{}, backendErr("get_consumer_lag", err)
	}
	topics, err := a.groupTopicSet(group)
	if err != nil {
		return adapter.ConsumerLag{}, err
	}
	names := make([]string, 0, len(topics))
	for topic := range topics {
		names = append(names, topic)
	}
	sort.Strings(names)

	for _, topic := range names {
		parts, err := a.knownPartitions(topic)
		if err != nil {
			return adapter.ConsumerLag{}, backendErr("get_consumer_lag", err)
		}
		for _, p := range parts {
			oldest, newest, err := a.cluster.bounds(topic, p)
			if err != nil {
				return adapter.ConsumerLag{}, backendErr("get_consumer_lag", err)
			}
			position, ok := committed[topic][p]
			if !ok || position < oldest {
				position = oldest
			}
			pending := newest - position
			if pending < 0 {
				pending = 0
			}
			lag.PartitionLags = append(lag.PartitionLags, adapter.PartitionLag{Topic: topic, Partition: int(p), Lag: pending})
			lag.TotalLag += pending
		}
	}
	return lag, nil
}

// SendToDLQ publishes an encoded entry to the group's dead letter topic.
func (a *Adapter) SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error {
	if err := adapter.ValidateDLQ("send_to_dlq", group, env); err != nil {
		return err
	}
	if err := a.checkOpen(ctx, "send_to_dlq"); err != nil {
		return err
	}
	topic, err := envelope.DLQTopic(group)
	if err != nil {
		return errspkg.E("send_to_dlq", errspkg.ErrInvalidConsumerGroup, err)
	}
	payload, err := adapter.EncodeDLQEntry(adapter.NewDLQEntry(adapter.SourceTopic(ctx), env, cause, group))
	if err != nil {
		return errspkg.E("send_to_dlq", errspkg.ErrInvalidArgument, err)
	}
	n, err := a.ensureTopic(topic)
	if err != nil {
		return err
	}
	msg := newMessage(watermill.NewUUID(), payload, env, env.ID(), adapter.PartitionFor(env.ID(), n))
	msg.SetContext(ctx)
	if err := a.publisher.Publish(topic, msg); err != nil {
		return backendErr("send_to_dlq", err)
	}
	return nil
}

// ListDLQ reads up to limit dead-lettered entries of group, oldest first.
func (a *Adapter) ListDLQ(ctx context.Context, group string, limit int) ([]adapter.DLQEntry, error) {
	if err := adapter.ValidateGroup("list_dlq", group); err != nil {
		return nil, err
	}
	topic, err := envelope.DLQTopic(group)
	if err != nil {
		return nil, errspkg.E("list_dlq", errspkg.ErrInvalidConsumerGroup, err)
	}
	parts, err := a.knownPartitions(topic)
	if err != nil {
		return nil, backendErr("list_dlq", err)
	}

	entries := []adapter.DLQEntry{}
	for _, p := range parts {
		oldest, newest, err := a.cluster.bounds(topic, p)
		if err != nil {
			return nil, backendErr("list_dlq", err)
		}
		msgs, err := a.cluster.readPartition(ctx, topic, p, oldest, newest)
		if err != nil {
			return nil, backendErr("list_dlq", err)
		}
		for _, cm := range msgs {
			msg, err := a.marshaler.Unmarshal(cm)
			if err != nil {
				a.log.Error("Skipping undecodable DLQ message", err, logging.LogFields{"topic": topic})
				continue
			}
			entry, err := adapter.DecodeDLQEntry(msg.Payload)
			if err != nil {
				a.log.Error("Skipping undecodable DLQ entry", err, logging.LogFields{"topic": topic})
				continue
			}
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReplayEvents reads the requested window from every partition, starting
// at the offset the broker resolves for From, and re-publishes it.
func (a *Adapter) ReplayEvents(ctx context.Context, req adapter.ReplayRequest) (adapter.ReplayJob, error) {
	if err := adapter.ValidateReplay("replay_events", req); err != nil {
		return adapter.ReplayJob{}, err
	}
	if err := a.checkOpen(ctx, "replay_events"); err != nil {
		return adapter.ReplayJob{}, err
	}
	parts, err := a.knownPartitions(req.Topic)
	if err != nil {
		return adapter.ReplayJob{}, backendErr("replay_events", err)
	}

	var history []adapter.Record
	for _, p := range parts {
		oldest, newest, err := a.cluster.bounds(req.Topic, p)
		if err != nil {
			return adapter.ReplayJob{}, backendErr("replay_events", err)
		}
		start := oldest
		if !req.From.IsZero() {
			start, err = a.cluster.Client.GetOffset(req.Topic, p, req.From.UnixMilli())
			if err != nil {
				return adapter.ReplayJob{}, backendErr("replay_events", err)
			}
			if start < 0 {
				continue
			}
		}
		msgs, err := a.cluster.readPartition(ctx, req.Topic, p, start, newest)
		if err != nil {
			return adapter.ReplayJob{}, backendErr("replay_events", err)
		}
		for _, cm := range msgs {
			rec, _, err := recordFromConsumer(a.marshaler, cm)
			if err != nil {
				a.log.Error("Skipping undecodable message", err, logging.LogFields{"topic": req.Topic})
				continue
			}
			history = append(history, rec)
		}
	}

	return a.replays.Start(req, adapter.SelectHistory(history, req), a.republish)
}

func (a *Adapter) republish(ctx context.Context, rec adapter.Record) error {
	_, err := a.Publish(ctx, rec.Topic, rec.Envelope, adapter.WithPartitionKey(rec.PartitionKey))
	return err
}

// GetReplayStatus returns the progress of a replay job started by this process.
func (a *Adapter) GetReplayStatus(ctx context.Context, replayID string) (adapter.ReplayJob, error) {
	return a.replays.Get(replayID)
}

// CancelReplay stops a running replay job.
func (a *Adapter) CancelReplay(ctx context.Context, replayID string) error {
	return a.replays.Cancel(replayID)
}

// Close stops subscriptions and replays, then closes the publisher and the
// cluster connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	subs := make([]*subscription, 0, len(a.subs))
	for _, sub := range a.subs {
		subs = append(subs, sub)
	}
	a.subs = make(map[string]*subscription)
	a.mu.Unlock()

	a.replays.Close()
	var errs []error
	for _, sub := range subs {
		errs = append(errs, a.stop(sub))
	}
	errs = append(errs, a.publisher.Close(), a.cluster.Close())
	return errors.Join(errs...)
}
