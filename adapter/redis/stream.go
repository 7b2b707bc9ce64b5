package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

const (
	fieldEnvelope = "env"
	fieldKey      = "key"
	fieldTime     = "ts"
)

type keyspace struct {
	prefix string
}

func (k keyspace) topics() string { return k.prefix + ":topics" }
func (k keyspace) groups() string { return k.prefix + ":groups" }

func (k keyspace) stream(topic string, partition int) string {
	return fmt.Sprintf("%s:stream:%s:%d", k.prefix, topic, partition)
}

func (k keyspace) offsets(group string) string         { return k.prefix + ":offsets:" + group }
func (k keyspace) committedCounts(group string) string { return k.prefix + ":committed:" + group }
func (k keyspace) groupTopics(group string) string     { return k.prefix + ":group:" + group }
func (k keyspace) topicGroups(topic string) string     { return k.prefix + ":topicgroups:" + topic }
func (k keyspace) dlq(group string) string             { return k.prefix + ":dlq:" + group }

func (k keyspace) lease(topic, group string, partition int) string {
	return fmt.Sprintf("%s:lease:%s:%s:%d", k.prefix, group, topic, partition)
}

func partitionField(topic string, partition int) string {
	return topic + ":" + strconv.Itoa(partition)
}

// claimScript renews a lease held by the caller or takes a free one.
var claimScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// commitScript moves the committed stream id and bumps the committed count
// once per id.
var commitScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
return 1
`)

// streamLog exposes the partition streams to the group dispatcher.
type streamLog struct {
	a *Adapter
}

func (l streamLog) Partitions(ctx context.Context, topic string) (int, error) {
	return l.a.partitionCount(ctx, topic)
}

func (l streamLog) Claim(ctx context.Context, topic, group string, partition int, owner string) (bool, error) {
	ttl := strconv.FormatInt(l.a.cfg.LeaseTTL.Milliseconds(), 10)
	n, err := claimScript.Run(ctx, l.a.client, []string{l.a.keys.lease(topic, group, partition)}, owner, ttl).Int()
	if err != nil {
		return false, backendErr("claim", err)
	}
	return n == 1, nil
}

func (l streamLog) Release(ctx context.Context, topic, group string, partition int, owner string) error {
	err := releaseScript.Run(ctx, l.a.client, []string{l.a.keys.lease(topic, group, partition)}, owner).Err()
	return backendErr("release", err)
}

// Next reads two entries starting at the committed id. XRANGE is inclusive,
// so the committed entry itself is skipped when present.
func (l streamLog) Next(ctx context.Context, topic, group string, partition int) (adapter.Record, bool, error) {
	field := partitionField(topic, partition)
	committed, err := l.a.client.HGet(ctx, l.a.keys.offsets(group), field).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return adapter.Record{}, false, backendErr("next", err)
	}
	start := "-"
	if committed != "" {
		start = committed
	}

	msgs, err := l.a.client.XRangeN(ctx, l.a.keys.stream(topic, partition), start, "+", 2).Result()
	if err != nil {
		return adapter.Record{}, false, backendErr("next", err)
	}
	for _, msg := range msgs {
		if msg.ID == committed {
			continue
		}
		rec, err := decodeRecord(topic, partition, msg)
		if err != nil {
			// An undecodable entry can never be delivered; commit past it so
			// the partition keeps moving.
			l.a.log.Error("Dropping undecodable stream entry", err, logging.LogFields{
				"topic":     topic,
				"group":     group,
				"partition": partition,
				"entry_id":  msg.ID,
			})
			if err := l.Commit(ctx, topic, group, adapter.Record{Topic: topic, Partition: partition, Offset: msg.ID}); err != nil {
				return adapter.Record{}, false, err
			}
			committed = msg.ID
			continue
		}
		return rec, true, nil
	}
	return adapter.Record{}, false, nil
}

func (l streamLog) Commit(ctx context.Context, topic, group string, rec adapter.Record) error {
	keys := []string{l.a.keys.offsets(group), l.a.keys.committedCounts(group)}
	err := commitScript.Run(ctx, l.a.client, keys, partitionField(topic, rec.Partition), rec.Offset).Err()
	return backendErr("commit", err)
}

func (l streamLog) Pending(ctx context.Context, topic, group string, partition int) (int64, error) {
	return l.a.pending(ctx, topic, group, partition)
}

func decodeRecord(topic string, partition int, msg goredis.XMessage) (adapter.Record, error) {
	raw, ok := msg.Values[fieldEnvelope].(string)
	if !ok {
		return adapter.Record{}, fmt.Errorf("redis: entry %s has no envelope", msg.ID)
	}
	env, err := envelope.Unmarshal([]byte(raw))
	if err != nil {
		return adapter.Record{}, fmt.Errorf("redis: entry %s: %w", msg.ID, err)
	}
	rec := adapter.Record{
		Envelope:  env,
		Topic:     topic,
		Partition: partition,
		Offset:    msg.ID,
	}
	if key, ok := msg.Values[fieldKey].(string); ok {
		rec.PartitionKey = key
	}
	if ts, ok := msg.Values[fieldTime].(string); ok {
		if nanos, err := strconv.ParseInt(ts, 10, 64); err == nil {
			rec.PublishedAt = time.Unix(0, nanos).UTC()
		}
	}
	return rec, nil
}
