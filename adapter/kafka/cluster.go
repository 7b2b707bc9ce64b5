package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/IBM/sarama"
)

// Client is the part of sarama.Client the driver reads metadata and
// offsets from.
type Client interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
	RefreshMetadata(topics ...string) error
}

// Admin is the part of sarama.ClusterAdmin the driver manages topics and
// consumer groups with.
type Admin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	ListTopics() (map[string]sarama.TopicDetail, error)
	ListConsumerGroups() (map[string]string, error)
	DescribeConsumerGroups(groups []string) ([]*sarama.GroupDescription, error)
	ListConsumerGroupOffsets(group string, topicPartitions map[string][]int32) (*sarama.OffsetFetchResponse, error)
	Close() error
}

// Cluster bundles the sarama handles the driver needs beside the watermill
// publisher and subscribers. Admin owns Client and closes it.
type Cluster struct {
	Client   Client
	Admin    Admin
	Consumer sarama.Consumer
}

// ClusterFactory allows overriding the sarama connection for testing.
var ClusterFactory = func(brokers []string, cfg *sarama.Config) (*Cluster, error) {
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = admin.Close()
		return nil, err
	}
	return &Cluster{Client: client, Admin: admin, Consumer: consumer}, nil
}

// Close closes the replay consumer and the admin.
func (c *Cluster) Close() error {
	var errs []error
	if c.Consumer != nil {
		errs = append(errs, c.Consumer.Close())
	}
	if c.Admin != nil {
		errs = append(errs, c.Admin.Close())
	}
	return errors.Join(errs...)
}

func topicExists(err error) bool {
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

// committedOffsets returns the next offset to consume for every partition
// group has committed, keyed by topic.
func (c *Cluster) committedOffsets(group string) (map[string]map[int32]int64, error) {
	resp, err := c.Admin.ListConsumerGroupOffsets(group, nil)
	if err != nil {
		return nil, err
	}
	if resp.Err != sarama.ErrNoError {
		return nil, resp.Err
	}
	out := make(map[string]map[int32]int64)
	for topic, blocks := range resp.Blocks {
		for partition, block := range blocks {
			if block == nil || block.Err != sarama.ErrNoError || block.Offset < 0 {
				continue
			}
			if out[topic] == nil {
				out[topic] = make(map[int32]int64)
			}
			out[topic][partition] = block.Offset
		}
	}
	return out, nil
}

// bounds returns the oldest and newest offsets of a partition.
func (c *Cluster) bounds(topic string, partition int32) (int64, int64, error) {
	oldest, err := c.Client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, err
	}
	newest, err := c.Client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, err
	}
	return oldest, newest, nil
}

// readPartition consumes [start, end) of a partition and stops.
func (c *Cluster) readPartition(ctx context.Context, topic string, partition int32, start, end int64) ([]*sarama.ConsumerMessage, error) {
	if start >= end {
		return nil, nil
	}
	pc, err := c.Consumer.ConsumePartition(topic, partition, start)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	var msgs []*sarama.ConsumerMessage
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-pc.Messages():
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, msg)
			if msg.Offset >= end-1 {
				return msgs, nil
			}
		case cerr, ok := <-pc.Errors():
			if !ok {
				return msgs, nil
			}
			return nil, fmt.Errorf("read %s/%d: %w", topic, partition, cerr.Err)
		}
	}
}

func sortedPartitions(parts []int32) []int32 {
	out := append([]int32(nil), parts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
