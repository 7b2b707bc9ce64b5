package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// fakeBroker keeps partitioned logs and committed offsets in memory and
// serves them through the Client, Admin and sarama.Consumer interfaces.
// Live delivery runs over a gochannel pubsub.
type fakeBroker struct {
	mu        sync.Mutex
	topics    map[string][][]*sarama.ConsumerMessage
	details   map[string]*sarama.TopicDetail
	committed map[string]map[string]map[int32]int64
	joined    map[string]int
	pubsub    *gochannel.GoChannel
	marshaler partitionMarshaler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		topics:    make(map[string][][]*sarama.ConsumerMessage),
		details:   make(map[string]*sarama.TopicDetail),
		committed: make(map[string]map[string]map[int32]int64),
		joined:    make(map[string]int),
		pubsub:    gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{}),
		marshaler: newPartitionMarshaler(),
	}
}

func (b *fakeBroker) cluster() *Cluster {
	return &Cluster{Client: fakeClient{b}, Admin: fakeAdmin{b}, Consumer: &fakeConsumer{broker: b}}
}

func (b *fakeBroker) partition(topic string, p int32) []*sarama.ConsumerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.topics[topic]
	if int(p) >= len(parts) {
		return nil
	}
	return append([]*sarama.ConsumerMessage(nil), parts[p]...)
}

func (b *fakeBroker) append(pm *sarama.ProducerMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.topics[pm.Topic]
	if !ok || int(pm.Partition) >= len(parts) {
		return sarama.ErrUnknownTopicOrPartition
	}
	cm := &sarama.ConsumerMessage{
		Topic:     pm.Topic,
		Partition: pm.Partition,
		Offset:    int64(len(parts[pm.Partition])),
		Timestamp: time.Now(),
	}
	if pm.Key != nil {
		cm.Key, _ = pm.Key.Encode()
	}
	if pm.Value != nil {
		cm.Value, _ = pm.Value.Encode()
	}
	for i := range pm.Headers {
		h := pm.Headers[i]
		cm.Headers = append(cm.Headers, &h)
	}
	parts[pm.Partition] = append(parts[pm.Partition], cm)
	return nil
}

func (b *fakeBroker) commit(group, topic string, partition int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed[group] == nil {
		b.committed[group] = make(map[string]map[int32]int64)
	}
	if b.committed[group][topic] == nil {
		b.committed[group][topic] = make(map[int32]int64)
	}
	b.committed[group][topic][partition]++
}

type fakeClient struct{ b *fakeBroker }

func (c fakeClient) Partitions(topic string) ([]int32, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	parts, ok := c.b.topics[topic]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	out := make([]int32, len(parts))
	for i := range parts {
		out[i] = int32(i)
	}
	return out, nil
}

func (c fakeClient) GetOffset(topic string, partition int32, at int64) (int64, error) {
	msgs := c.b.partition(topic, partition)
	switch at {
	case sarama.OffsetOldest:
		return 0, nil
	case sarama.OffsetNewest:
		return int64(len(msgs)), nil
	}
	for _, m := range msgs {
		if m.Timestamp.UnixMilli() >= at {
			return m.Offset, nil
		}
	}
	return -1, nil
}

func (c fakeClient) RefreshMetadata(topics ...string) error { return nil }

type fakeAdmin struct{ b *fakeBroker }

func (a fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if _, ok := a.b.topics[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	a.b.topics[topic] = make([][]*sarama.ConsumerMessage, detail.NumPartitions)
	a.b.details[topic] = detail
	return nil
}

func (a fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	out := make(map[string]sarama.TopicDetail, len(a.b.details))
	for name, detail := range a.b.details {
		out[name] = *detail
	}
	return out, nil
}

func (a fakeAdmin) ListConsumerGroups() (map[string]string, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	out := make(map[string]string)
	for group := range a.b.committed {
		out[group] = "consumer"
	}
	for group := range a.b.joined {
		out[group] = "consumer"
	}
	return out, nil
}

func (a fakeAdmin) DescribeConsumerGroups(groups []string) ([]*sarama.GroupDescription, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	var out []*sarama.GroupDescription
	for _, group := range groups {
		desc := &sarama.GroupDescription{GroupId: group, Err: sarama.ErrNoError, Members: map[string]*sarama.GroupMemberDescription{}}
		for i := 0; i < a.b.joined[group]; i++ {
			desc.Members["member-"+string(rune('a'+i))] = &sarama.GroupMemberDescription{}
		}
		out = append(out, desc)
	}
	return out, nil
}

func (a fakeAdmin) ListConsumerGroupOffsets(group string, topicPartitions map[string][]int32) (*sarama.OffsetFetchResponse, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	resp := &sarama.OffsetFetchResponse{Blocks: make(map[string]map[int32]*sarama.OffsetFetchResponseBlock)}
	for topic, parts := range a.b.committed[group] {
		resp.Blocks[topic] = make(map[int32]*sarama.OffsetFetchResponseBlock)
		for p, offset := range parts {
			resp.Blocks[topic][p] = &sarama.OffsetFetchResponseBlock{Offset: offset, Err: sarama.ErrNoError}
		}
	}
	return resp, nil
}

func (a fakeAdmin) Close() error { return nil }

type fakeConsumer struct {
	sarama.Consumer
	broker *fakeBroker
}

func (c *fakeConsumer) ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error) {
	msgs := c.broker.partition(topic, partition)
	pc := &fakePartitionConsumer{
		msgs: make(chan *sarama.ConsumerMessage, len(msgs)),
		errs: make(chan *sarama.ConsumerError),
	}
	for _, m := range msgs {
		if m.Offset >= offset {
			pc.msgs <- m
		}
	}
	return pc, nil
}

func (c *fakeConsumer) Close() error { return nil }

type fakePartitionConsumer struct {
	sarama.PartitionConsumer
	msgs chan *sarama.ConsumerMessage
	errs chan *sarama.ConsumerError
}

func (pc *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return pc.msgs }
func (pc *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return pc.errs }
func (pc *fakePartitionConsumer) Close() error                             { return nil }

// fakePublisher appends to the broker log and forwards to the live pubsub.
type fakePublisher struct {
	b *fakeBroker
}

func (p fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, msg := range msgs {
		pm, err := p.b.marshaler.Marshal(topic, msg)
		if err != nil {
			return err
		}
		if err := p.b.append(pm); err != nil {
			return err
		}
	}
	return p.b.pubsub.Publish(topic, msgs...)
}

func (p fakePublisher) Close() error { return nil }

// fakeSubscriber commits an offset whenever the adapter acks a message.
type fakeSubscriber struct {
	b     *fakeBroker
	group string
}

func (s fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	in, err := s.b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.b.mu.Lock()
	s.b.joined[s.group]++
	s.b.mu.Unlock()

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			select {
			case <-msg.Acked():
				var p int32
				if pm, err := s.b.marshaler.Marshal(topic, msg); err == nil {
					p = pm.Partition
				}
				s.b.commit(s.group, topic, p)
			case <-msg.Nacked():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s fakeSubscriber) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.joined[s.group] > 0 {
		s.b.joined[s.group]--
	}
	return nil
}
