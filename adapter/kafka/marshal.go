package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

const (
	metaPartitionKey = "tf_partition_key"
	metaPartition    = "tf_partition"
	metaPublishedAt  = "tf_published_at"
	metaTenantID     = "tenant_id"
	metaEventType    = "event_type"
)

// partitionMarshaler keys messages by their partition key and pins them to
// the partition the driver computed, so a key lands on the same partition
// number on every backend.
type partitionMarshaler struct {
	kafka.MarshalerUnmarshaler
}

func newPartitionMarshaler() partitionMarshaler {
	return partitionMarshaler{
		MarshalerUnmarshaler: kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
			return msg.Metadata.Get(metaPartitionKey), nil
		}),
	}
}

func (m partitionMarshaler) Marshal(topic string, msg *message.Message) (*sarama.ProducerMessage, error) {
	out, err := m.MarshalerUnmarshaler.Marshal(topic, msg)
	if err != nil {
		return nil, err
	}
	if raw := msg.Metadata.Get(metaPartition); raw != "" {
		p, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("kafka: invalid partition %q: %w", raw, err)
		}
		out.Partition = int32(p)
	}
	return out, nil
}

func newMessage(id string, payload []byte, env envelope.Envelope, key string, partition int) *message.Message {
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(metaPartitionKey, key)
	msg.Metadata.Set(metaPartition, strconv.Itoa(partition))
	msg.Metadata.Set(metaPublishedAt, strconv.FormatInt(time.Now().UTC().UnixNano(), 10))
	msg.Metadata.Set(metaTenantID, env.TenantID())
	msg.Metadata.Set(metaEventType, env.Type())
	return msg
}

// recordFromMessage decodes a consumed watermill message. Partition and
// offset come from the kafka context when present, otherwise from metadata.
func recordFromMessage(topic string, msg *message.Message) (adapter.Record, error) {
	env, err := envelope.Unmarshal(msg.Payload)
	if err != nil {
		return adapter.Record{}, fmt.Errorf("kafka: message %s: %w", msg.UUID, err)
	}
	rec := adapter.Record{
		Envelope:     env,
		Topic:        topic,
		PartitionKey: msg.Metadata.Get(metaPartitionKey),
		Offset:       msg.UUID,
	}
	ctx := msg.Context()
	if p, ok := kafka.MessagePartitionFromCtx(ctx); ok {
		rec.Partition = int(p)
	} else if p, err := strconv.Atoi(msg.Metadata.Get(metaPartition)); err == nil {
		rec.Partition = p
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx); ok {
		rec.Offset = strconv.FormatInt(offset, 10)
	}
	rec.PublishedAt = publishedAt(ctx, msg)
	return rec, nil
}

func publishedAt(ctx context.Context, msg *message.Message) time.Time {
	if nanos, err := strconv.ParseInt(msg.Metadata.Get(metaPublishedAt), 10, 64); err == nil {
		return time.Unix(0, nanos).UTC()
	}
	if ts, ok := kafka.MessageTimestampFromCtx(ctx); ok {
		return ts.UTC()
	}
	return time.Time{}
}

// recordFromConsumer decodes a message read directly from a partition.
func recordFromConsumer(m partitionMarshaler, cm *sarama.ConsumerMessage) (adapter.Record, *message.Message, error) {
	msg, err := m.Unmarshal(cm)
	if err != nil {
		return adapter.Record{}, nil, err
	}
	env, err := envelope.Unmarshal(msg.Payload)
	if err != nil {
		return adapter.Record{}, msg, fmt.Errorf("kafka: %s/%d@%d: %w", cm.Topic, cm.Partition, cm.Offset, err)
	}
	rec := adapter.Record{
		Envelope:     env,
		Topic:        cm.Topic,
		Partition:    int(cm.Partition),
		Offset:       strconv.FormatInt(cm.Offset, 10),
		PartitionKey: msg.Metadata.Get(metaPartitionKey),
		PublishedAt:  cm.Timestamp.UTC(),
	}
	if ts := publishedAt(context.Background(), msg); !ts.IsZero() {
		rec.PublishedAt = ts
	}
	return rec, msg, nil
}
