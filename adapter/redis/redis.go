// Package redis provides an adapter driver on Redis streams. Each topic
// partition is one stream; consumer groups keep their committed stream id in
// a hash and take a short lease on a partition before reading it, so members
// in different processes never consume the same partition concurrently.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// AdapterName is the name used to register this driver.
const AdapterName = "redis"

const (
	defaultRetentionHours = 168
	defaultLeaseTTL       = 10 * time.Second
	defaultPollInterval   = 50 * time.Millisecond
	defaultKeyPrefix      = "tf"
)

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

func init() {
	adapter.RegisterWithCapabilities(AdapterName, Build, adapter.RedisCapabilities)
}

// Config tunes the redis driver. Zero values fall back to defaults.
type Config struct {
	Partitions      int
	RetentionHours  int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	PollInterval    time.Duration
	// LeaseTTL bounds how long a crashed process keeps a partition.
	LeaseTTL  time.Duration
	KeyPrefix string
}

// Connect parses a redis:// URL, or treats the value as host:port.
func Connect(redisURL, password string) (goredis.UniversalClient, error) {
	var opts *goredis.Options
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsed, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{Addr: redisURL}
	}
	if password != "" {
		opts.Password = password
	}
	return ClientFactory(opts), nil
}

// Build creates a redis adapter from the shared adapter config and checks
// that the server answers.
func Build(ctx context.Context, cfg adapter.Config, opts adapter.Options) (adapter.Adapter, error) {
	client, err := Connect(cfg.GetRedisURL(), cfg.GetRedisPassword())
	if err != nil {
		return nil, errspkg.E("redis.build", errspkg.ErrInvalidArgument, err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errspkg.E("redis.build", errspkg.ErrBackendUnavailable, err)
	}
	a := New(client, Config{
		Partitions:      cfg.GetPartitions(),
		RetentionHours:  cfg.GetRetentionHours(),
		MaxDeliveries:   cfg.GetMaxDeliveries(),
		RedeliveryDelay: cfg.GetRedeliveryDelay(),
		PollInterval:    cfg.GetRedisPollInterval(),
	}, opts)
	a.ownsClient = true
	return a, nil
}

// Adapter is the redis streams driver.
type Adapter struct {
	client     goredis.UniversalClient
	cfg        Config
	keys       keyspace
	log        logging.ServiceLogger
	dispatcher *adapter.GroupDispatcher
	replays    *adapter.ReplayTracker
	ownsClient bool

	mu         sync.Mutex
	partitions map[string]int
	closed     bool
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.DLQReader = (*Adapter)(nil)
var _ adapter.ReplayCanceller = (*Adapter)(nil)

// New creates a redis adapter over an existing client. The caller keeps
// ownership of client.
func New(client goredis.UniversalClient, cfg Config, opts adapter.Options) *Adapter {
	cfg.Partitions = adapter.RedisCapabilities.PartitionsFor(cfg.Partitions)
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = defaultRetentionHours
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	log := logging.OrNop(opts.Logger)

	a := &Adapter{
		client:     client,
		cfg:        cfg,
		keys:       keyspace{prefix: cfg.KeyPrefix},
		log:        log,
		replays:    adapter.NewReplayTracker(log),
		partitions: make(map[string]int),
	}
	a.dispatcher = adapter.NewGroupDispatcher(streamLog{a: a}, adapter.DispatcherConfig{
		MaxDeliveries:   cfg.MaxDeliveries,
		RedeliveryDelay: cfg.RedeliveryDelay,
		PollInterval:    cfg.PollInterval,
		Logger:          log,
		Observer:        opts.Observer,
		DeadLetter:      a.deadLetter,
	})
	return a
}

// Capabilities returns the capabilities of this driver.
func (a *Adapter) Capabilities() adapter.Capabilities {
	caps := adapter.RedisCapabilities
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

// backendErr classifies a client error. Deadline overruns become timeouts,
// everything else means the server could not serve the call.
func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errspkg.FromContext(op, err)
	}
	return errspkg.E(op, errspkg.ErrBackendUnavailable, err)
}

// partitionCount returns the partition count stored for topic, registering
// the configured default when the topic is new.
func (a *Adapter) partitionCount(ctx context.Context, topic string) (int, error) {
	a.mu.Lock()
	n, ok := a.partitions[topic]
	a.mu.Unlock()
	if ok {
		return n, nil
	}

	if err := a.client.HSetNX(ctx, a.keys.topics(), topic, a.cfg.Partitions).Err(); err != nil {
		return 0, backendErr("redis.topic", err)
	}
	raw, err := a.client.HGet(ctx, a.keys.topics(), topic).Result()
	if err != nil {
		return 0, backendErr("redis.topic", err)
	}
	n, err = strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errspkg.Ef("redis.topic", errspkg.ErrBackendUnavailable, "corrupt partition count %q for %s", raw, topic)
	}

	a.mu.Lock()
	a.partitions[topic] = n
	a.mu.Unlock()
	return n, nil
}

// storedPartitions reads the partition count without creating the topic.
func (a *Adapter) storedPartitions(ctx context.Context, topic string) (int, bool, error) {
	raw, err := a.client.HGet(ctx, a.keys.topics(), topic).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, backendErr("redis.topic", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, errspkg.Ef("redis.topic", errspkg.ErrBackendUnavailable, "corrupt partition count %q for %s", raw, topic)
	}
	return n, true, nil
}

// Publish appends env to the stream of the partition selected by its key.
func (a *Adapter) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	if err := adapter.ValidatePublish("publish", topic, env); err != nil {
		return adapter.PublishResult{}, err
	}
	if err := a.checkOpen(ctx, "publish"); err != nil {
		return adapter.PublishResult{}, err
	}
	options := adapter.ResolvePublishOptions(env, opts...)

	n, err := a.partitionCount(ctx, topic)
	if err != nil {
		return adapter.PublishResult{}, err
	}
	raw, err := envelope.Marshal(env)
	if err != nil {
		return adapter.PublishResult{}, errspkg.E("publish", errspkg.ErrInvalidArgument, err)
	}

	p := adapter.PartitionFor(options.PartitionKey, n)
	id, err := a.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: a.keys.stream(topic, p),
		Values: map[string]any{
			fieldEnvelope: raw,
			fieldKey:      options.PartitionKey,
			fieldTime:     time.Now().UTC().UnixNano(),
		},
	}).Result()
	if err != nil {
		return adapter.PublishResult{}, backendErr("publish", err)
	}

	a.dispatcher.Notify(topic, p)
	return adapter.PublishResult{Status: adapter.StatusPublished, MessageID: id, Partition: p}, nil
}

// Subscribe registers the group for topic and adds handler as a member.
func (a *Adapter) Subscribe(ctx context.Context, topic, group string, handler adapter.Handler) (adapter.Subscription, error) {
	if err := adapter.ValidateSubscription("subscribe", topic, group); err != nil {
		return adapter.Subscription{}, err
	}
	if err := a.checkOpen(ctx, "subscribe"); err != nil {
		return adapter.Subscription{}, err
	}

	_, err := a.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, a.keys.groups(), group)
		p.SAdd(ctx, a.keys.groupTopics(group), topic)
		p.SAdd(ctx, a.keys.topicGroups(topic), group)
		return nil
	})
	if err != nil {
		return adapter.Subscription{}, backendErr("subscribe", err)
	}
	return a.dispatcher.Add(ctx, topic, group, handler)
}

// Unsubscribe removes a local member. The group keeps its offsets.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return a.dispatcher.Remove(subscriptionID)
}

// ListTopics returns event topics visible to tenantID.
func (a *Adapter) ListTopics(ctx context.Context, tenantID string) ([]string, error) {
	if err := a.checkOpen(ctx, "list_topics"); err != nil {
		return nil, err
	}
	names, err := a.client.HKeys(ctx, a.keys.topics()).Result()
	if err != nil {
		return nil, backendErr("list_topics", err)
	}
	return adapter.FilterTopics(names, tenantID), nil
}

// GetTopicInfo describes topic. Unknown topics report zero messages.
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
	n, ok, err := a.storedPartitions(ctx, topic)
	if err != nil {
		return adapter.TopicInfo{}, err
	}
	if ok {
		info.PartitionCount = n
		for p := 0; p < n; p++ {
			length, err := a.client.XLen(ctx, a.keys.stream(topic, p)).Result()
			if err != nil {
				return adapter.TopicInfo{}, backendErr("get_topic_info", err)
			}
			info.MessageCount += length
		}
	}

	groups, err := a.client.SMembers(ctx, a.keys.topicGroups(topic)).Result()
	if err != nil {
		return adapter.TopicInfo{}, backendErr("get_topic_info", err)
	}
	sort.Strings(groups)
	info.ConsumerGroups = append(info.ConsumerGroups, groups...)
	return info, nil
}

// ListConsumerGroups returns the groups visible to tenantID. Members are
// the ones registered in this process.
func (a *Adapter) ListConsumerGroups(ctx context.Context, tenantID string) ([]adapter.ConsumerGroupInfo, error) {
	if err := a.checkOpen(ctx, "list_consumer_groups"); err != nil {
		return nil, err
	}
	names, err := a.client.SMembers(ctx, a.keys.groups()).Result()
	if err != nil {
		return nil, backendErr("list_consumer_groups", err)
	}

	members := make(map[string][]string)
	for _, view := range a.dispatcher.Groups() {
		members[view.Group] = append(members[view.Group], view.Members...)
	}

	groups := make([]adapter.ConsumerGroupInfo, 0, len(names))
	for _, name := range names {
		if !envelope.BelongsTo(name, tenantID) {
			continue
		}
		lag, err := a.consumerLag(ctx, name)
		if err != nil {
			return nil, err
		}
		topics, err := a.client.SMembers(ctx, a.keys.groupTopics(name)).Result()
		if err != nil {
			return nil, backendErr("list_consumer_groups", err)
		}
		sort.Strings(topics)
		info := adapter.ConsumerGroupInfo{Name: name, Topics: topics, Members: members[name], Lag: lag.TotalLag}
		if info.Members == nil {
			info.Members = []string{}
		}
		groups = append(groups, info)
	}
	return adapter.FilterGroups(groups, tenantID), nil
}

// GetConsumerLag compares stream lengths with the group's committed counts.
func (a *Adapter) GetConsumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	if err := adapter.ValidateGroup("get_consumer_lag", group); err != nil {
		return adapter.ConsumerLag{}, err
	}
	if err := a.checkOpen(ctx, "get_consumer_lag"); err != nil {
		return adapter.ConsumerLag{}, err
	}
	return a.consumerLag(ctx, group)
}

func (a *Adapter) consumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	lag := adapter.ConsumerLag{ConsumerGroup: group}
	topics, err := a.client.SMembers(ctx, a.keys.groupTopics(group)).Result()
	if err != nil {
		return adapter.ConsumerLag{}, backendErr("get_consumer_lag", err)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		n, ok, err := a.storedPartitions(ctx, topic)
		if err != nil {
			return adapter.ConsumerLag{}, err
		}
		if !ok {
			continue
		}
		for p := 0; p < n; p++ {
			pending, err := a.pending(ctx, topic, group, p)
			if err != nil {
				return adapter.ConsumerLag{}, err
			}
			lag.PartitionLags = append(lag.PartitionLags, adapter.PartitionLag{Topic: topic, Partition: p, Lag: pending})
			lag.TotalLag += pending
		}
	}
	return lag, nil
}

func (a *Adapter) pending(ctx context.Context, topic, group string, partition int) (int64, error) {
	length, err := a.client.XLen(ctx, a.keys.stream(topic, partition)).Result()
	if err != nil {
		return 0, backendErr("get_consumer_lag", err)
	}
	committed, err := a.client.HGet(ctx, a.keys.committedCounts(group), partitionField(topic, partition)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, backendErr("get_consumer_lag", err)
	}
	if committed > length {
		return 0, nil
	}
	return length - committed, nil
}

// SendToDLQ appends an encoded entry to the group's dead letter list.
func (a *Adapter) SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error {
	if err := adapter.ValidateDLQ("send_to_dlq", group, env); err != nil {
		return err
	}
	if err := a.checkOpen(ctx, "send_to_dlq"); err != nil {
		return err
	}
	raw, err := adapter.EncodeDLQEntry(adapter.NewDLQEntry(adapter.SourceTopic(ctx), env, cause, group))
	if err != nil {
		return errspkg.E("send_to_dlq", errspkg.ErrInvalidArgument, err)
	}
	if err := a.client.RPush(ctx, a.keys.dlq(group), raw).Err(); err != nil {
		return backendErr("send_to_dlq", err)
	}
	return nil
}

// ListDLQ returns up to limit dead-lettered entries of group, oldest first.
func (a *Adapter) ListDLQ(ctx context.Context, group string, limit int) ([]adapter.DLQEntry, error) {
	if err := adapter.ValidateGroup("list_dlq", group); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := a.client.LRange(ctx, a.keys.dlq(group), 0, stop).Result()
	if err != nil {
		return nil, backendErr("list_dlq", err)
	}
	entries := make([]adapter.DLQEntry, 0, len(raws))
	for _, raw := range raws {
		entry, err := adapter.DecodeDLQEntry([]byte(raw))
		if err != nil {
			a.log.Error("Skipping undecodable DLQ entry", err, logging.LogFields{"consumer_group": group})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReplayEvents reads the requested window from every partition stream and
// re-publishes it. Stream ids carry millisecond timestamps, so the window
// is applied by XRANGE itself.
func (a *Adapter) ReplayEvents(ctx context.Context, req adapter.ReplayRequest) (adapter.ReplayJob, error) {
	if err := adapter.ValidateReplay("replay_events", req); err != nil {
		return adapter.ReplayJob{}, err
	}
	if err := a.checkOpen(ctx, "replay_events"); err != nil {
		return adapter.ReplayJob{}, err
	}

	start, stop := "-", "+"
	if !req.From.IsZero() {
		start = strconv.FormatInt(req.From.UnixMilli(), 10)
	}
	if !req.To.IsZero() {
		stop = strconv.FormatInt(req.To.UnixMilli(), 10)
	}

	n, ok, err := a.storedPartitions(ctx, req.Topic)
	if err != nil {
		return adapter.ReplayJob{}, err
	}
	var history []adapter.Record
	for p := 0; ok && p < n; p++ {
		msgs, err := a.client.XRange(ctx, a.keys.stream(req.Topic, p), start, stop).Result()
		if err != nil {
			return adapter.ReplayJob{}, backendErr("replay_events", err)
		}
		for _, msg := range msgs {
			rec, err := decodeRecord(req.Topic, p, msg)
			if err != nil {
				a.log.Error("Skipping undecodable stream entry", err, logging.LogFields{"topic": req.Topic, "offset": msg.ID})
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

// Close stops replays and consumers, releasing partition leases. The client
// is closed only when Build created it.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.replays.Close()
	a.dispatcher.Close()
	if a.ownsClient {
		return a.client.Close()
	}
	return nil
}

func (a *Adapter) deadLetter(ctx context.Context, rec adapter.Record, group string, cause error) error {
	return a.SendToDLQ(adapter.WithSourceTopic(ctx, rec.Topic), rec.Envelope, cause, group)
}
