// Package metrics is the process-wide metrics collector of the delivery
// core. A Collector owns its collectors and registers them into an injected
// registry on Init; components receive the Collector rather than reaching
// for a global.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/breaker"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// SystemTenant labels series that are not owned by a tenant.
const SystemTenant = "system"

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Options configures a Collector.
type Options struct {
	// Registry receives the collectors. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// Namespace prefixes every metric name when set.
	Namespace string
}

// Collector records every delivery-core metric. All series carry tenant_id.
type Collector struct {
	registry *prometheus.Registry

	eventsPublished     *prometheus.CounterVec
	eventsConsumed      *prometheus.CounterVec
	publishErrors       *prometheus.CounterVec
	processingErrors    *prometheus.CounterVec
	outboxEntries       *prometheus.CounterVec
	dedupeHits          *prometheus.CounterVec
	breakerFailures     *prometheus.CounterVec
	dlqMessages         *prometheus.CounterVec
	eventsReplayed      *prometheus.CounterVec
	publishDuration     *prometheus.HistogramVec
	processingDuration  *prometheus.HistogramVec
	outboxDuration      *prometheus.HistogramVec
	consumerLag         *prometheus.GaugeVec
	topicPartitions     *prometheus.GaugeVec
	topicMessages       *prometheus.GaugeVec
	breakerState        *prometheus.GaugeVec
	dedupeStoreSize     *prometheus.GaugeVec
	partitionQueueSize  *prometheus.GaugeVec
	partitionLagSeconds *prometheus.GaugeVec

	mu          sync.Mutex
	initialized bool
}

var (
	_ breaker.Observer = (*Collector)(nil)
	_ adapter.Observer = (*Collector)(nil)
)

// New builds a Collector. Nothing is registered until Init.
func New(opts Options) *Collector {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ns := opts.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: durationBuckets}, labels)
	}

	return &Collector{
		registry:            reg,
		eventsPublished:     counter("events_published_total", "Events accepted by the backend.", "tenant_id", "topic"),
		eventsConsumed:      counter("events_consumed_total", "Events handled successfully by a consumer group.", "tenant_id", "topic", "consumer_group"),
		publishErrors:       counter("event_publish_errors_total", "Publish attempts that failed.", "tenant_id", "topic", "error_kind"),
		processingErrors:    counter("event_processing_errors_total", "Handler invocations that failed.", "tenant_id", "topic", "consumer_group", "error_kind"),
		outboxEntries:       counter("outbox_entries_total", "Outbox entries by outcome.", "tenant_id", "status"),
		dedupeHits:          counter("deduplication_hits_total", "Deliveries suppressed by the exactly-once processor.", "tenant_id", "consumer_group"),
		breakerFailures:     counter("circuit_breaker_failures_total", "Failures observed by a circuit breaker.", "tenant_id", "breaker"),
		dlqMessages:         counter("dlq_messages_total", "Envelopes sent to a dead letter queue.", "tenant_id", "consumer_group"),
		eventsReplayed:      counter("events_replayed_total", "Events re-published by replay jobs.", "tenant_id", "topic"),
		publishDuration:     histogram("event_publish_duration_seconds", "Publish latency.", "tenant_id", "topic"),
		processingDuration:  histogram("event_processing_duration_seconds", "Handler latency including deduplication.", "tenant_id", "topic", "consumer_group"),
		outboxDuration:      histogram("outbox_processing_duration_seconds", "Time to relay one outbox entry.", "tenant_id"),
		consumerLag:         gauge("consumer_lag_messages", "Messages not yet committed by a consumer group.", "tenant_id", "consumer_group"),
		topicPartitions:     gauge("topic_partition_count", "Partitions of a topic.", "tenant_id", "topic"),
		topicMessages:       gauge("topic_message_count", "Messages retained in a topic.", "tenant_id", "topic"),
		breakerState:        gauge("circuit_breaker_state", "Circuit breaker state: 0 closed, 1 open, 2 half_open.", "tenant_id", "breaker"),
		dedupeStoreSize:     gauge("deduplication_store_size", "Live records in the dedupe store.", "tenant_id"),
		partitionQueueSize:  gauge("partition_queue_size", "Uncommitted messages of one partition for a consumer group.", "tenant_id", "topic", "consumer_group", "partition"),
		partitionLagSeconds: gauge("partition_processing_lag_seconds", "Age of the last processed message when it was committed.", "tenant_id", "topic", "consumer_group", "partition"),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.eventsPublished, c.eventsConsumed, c.publishErrors, c.processingErrors,
		c.outboxEntries, c.dedupeHits, c.breakerFailures, c.dlqMessages, c.eventsReplayed,
		c.publishDuration, c.processingDuration, c.outboxDuration,
		c.consumerLag, c.topicPartitions, c.topicMessages, c.breakerState,
		c.dedupeStoreSize, c.partitionQueueSize, c.partitionLagSeconds,
	}
}

// Init registers the collectors. Safe to call multiple times.
func (c *Collector) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	for _, col := range c.collectors() {
		if err := c.registry.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	c.initialized = true
	return nil
}

// Shutdown unregisters the collectors. The Collector can be initialized
// again afterwards.
func (c *Collector) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	for _, col := range c.collectors() {
		c.registry.Unregister(col)
	}
	c.initialized = false
}

// Registry returns the registry the collector registers into.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the exposition format negotiated with the
// scraper.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather returns the current metric families.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}

// WriteText writes every family in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func tenantOf(name string) string {
	if t := envelope.TenantOf(name); t != "" {
		return t
	}
	return SystemTenant
}

func (c *Collector) EventPublished(topic string, took time.Duration) {
	tenant := tenantOf(topic)
	c.eventsPublished.WithLabelValues(tenant, topic).Inc()
	c.publishDuration.WithLabelValues(tenant, topic).Observe(took.Seconds())
}

func (c *Collector) PublishFailed(topic, errorKind string, took time.Duration) {
	tenant := tenantOf(topic)
	c.publishErrors.WithLabelValues(tenant, topic, errorKind).Inc()
	c.publishDuration.WithLabelValues(tenant, topic).Observe(took.Seconds())
}

func (c *Collector) EventConsumed(topic, group string, took time.Duration) {
	tenant := tenantOf(topic)
	c.eventsConsumed.WithLabelValues(tenant, topic, group).Inc()
	c.processingDuration.WithLabelValues(tenant, topic, group).Observe(took.Seconds())
}

func (c *Collector) ProcessingFailed(topic, group, errorKind string, took time.Duration) {
	tenant := tenantOf(topic)
	c.processingErrors.WithLabelValues(tenant, topic, group, errorKind).Inc()
	c.processingDuration.WithLabelValues(tenant, topic, group).Observe(took.Seconds())
}

func (c *Collector) DeduplicationHit(group string) {
	c.dedupeHits.WithLabelValues(tenantOf(group), group).Inc()
}

func (c *Collector) DeadLettered(group string) {
	c.dlqMessages.WithLabelValues(tenantOf(group), group).Inc()
}

func (c *Collector) EventsReplayed(topic string, n int) {
	c.eventsReplayed.WithLabelValues(tenantOf(topic), topic).Add(float64(n))
}

// OutboxEntry counts one relayed entry; status is "published" or "failed".
func (c *Collector) OutboxEntry(tenantID, status string, took time.Duration) {
	if tenantID == "" {
		tenantID = SystemTenant
	}
	c.outboxEntries.WithLabelValues(tenantID, status).Inc()
	c.outboxDuration.WithLabelValues(tenantID).Observe(took.Seconds())
}

func (c *Collector) SetConsumerLag(group string, lag int64) {
	c.consumerLag.WithLabelValues(tenantOf(group), group).Set(float64(lag))
}

func (c *Collector) SetTopicInfo(topic string, partitions int, messages int64) {
	tenant := tenantOf(topic)
	c.topicPartitions.WithLabelValues(tenant, topic).Set(float64(partitions))
	c.topicMessages.WithLabelValues(tenant, topic).Set(float64(messages))
}

func (c *Collector) SetDedupeStoreSize(n int64) {
	c.dedupeStoreSize.WithLabelValues(SystemTenant).Set(float64(n))
}

// ObservePartition implements adapter.Observer.
func (c *Collector) ObservePartition(topic, group string, partition int, queueSize int64, lag time.Duration) {
	tenant := tenantOf(topic)
	p := strconv.Itoa(partition)
	c.partitionQueueSize.WithLabelValues(tenant, topic, group, p).Set(float64(queueSize))
	c.partitionLagSeconds.WithLabelValues(tenant, topic, group, p).Set(lag.Seconds())
}

// BreakerState implements breaker.Observer.
func (c *Collector) BreakerState(name string, state breaker.State) {
	c.breakerState.WithLabelValues(SystemTenant, name).Set(float64(state))
}

// BreakerFailure implements breaker.Observer.
func (c *Collector) BreakerFailure(name string) {
	c.breakerFailures.WithLabelValues(SystemTenant, name).Inc()
}
