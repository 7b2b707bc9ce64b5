package runtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/outbox"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

// withTimeout applies the configured operation timeout unless the caller
// already set a deadline.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.Conf.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Conf.OperationTimeout)
}

// Publish sends env to topic through the publish circuit breaker. Failures
// are returned to the caller unchanged apart from deadline overruns, which
// become ErrTimeout.
func (s *Service) Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error) {
	const op = "publish"
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "PublishEvent", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", env.ID()),
		attribute.String("event.type", env.Type()),
		attribute.String("tenant.id", env.TenantID()),
		attribute.String("messaging.destination", topic),
	)

	start := time.Now()
	var result adapter.PublishResult
	err := s.breakers.Get(BreakerPublish).Call(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.adapter.Publish(ctx, topic, env, opts...)
		return err
	})
	took := time.Since(start)

	labels := map[string]string{"tenant_id": env.TenantID(), "topic": topic}
	if err != nil {
		err = errspkg.FromContext(op, err)
		s.metrics.PublishFailed(topic, errspkg.KindLabel(err), took)
		if errspkg.IsRetryable(err) {
			s.slo.RecordMetric(slo.MetricPublishSuccess, 0, labels)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		loggingpkg.ForEnvelope(s.Logger, env).Debug("Publish failed", loggingpkg.LogFields{
			"topic": topic,
			"error": err.Error(),
		})
		return adapter.PublishResult{}, err
	}

	s.metrics.EventPublished(topic, took)
	s.slo.RecordMetric(slo.MetricPublishSuccess, 1, labels)
	span.SetAttributes(
		attribute.String("messaging.message_id", result.MessageID),
		attribute.Int("messaging.partition", result.Partition),
	)
	return result, nil
}

// PublishEvent builds an envelope for tenantID and publishes it to the
// tenant's category topic.
func (s *Service) PublishEvent(ctx context.Context, tenantID, category, eventType string, data map[string]any, opts ...adapter.PublishOption) (envelope.Envelope, adapter.PublishResult, error) {
	topic, err := envelope.Topic(tenantID, category)
	if err != nil {
		return envelope.Envelope{}, adapter.PublishResult{}, err
	}
	env, err := envelope.New(eventType, data, tenantID)
	if err != nil {
		return envelope.Envelope{}, adapter.PublishResult{}, err
	}
	res, err := s.Publish(ctx, topic, env, opts...)
	return env, res, err
}

// Stage stores env in the outbox for the relay to publish. Inside
// outbox.WithTx the write joins the caller's transaction.
func (s *Service) Stage(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) error {
	const op = "stage"
	if s.outbox == nil {
		return errspkg.Ef(op, errspkg.ErrInvalidArgument, "outbox is not configured")
	}
	if err := adapter.ValidatePublish(op, topic, env); err != nil {
		return err
	}
	var partitionKey string
	if len(opts) > 0 {
		partitionKey = adapter.ResolvePublishOptions(env, opts...).PartitionKey
		if partitionKey == env.ID() {
			partitionKey = ""
		}
	}
	return s.outbox.Add(ctx, outbox.Entry{Topic: topic, PartitionKey: partitionKey, Envelope: env})
}

// FlushOutbox relays one batch of staged entries and returns how many were
// published.
func (s *Service) FlushOutbox(ctx context.Context) (int, error) {
	if s.relay == nil {
		return 0, errspkg.Ef("flush_outbox", errspkg.ErrInvalidArgument, "outbox is not configured")
	}
	return s.relay.RunOnce(ctx)
}

// Subscribe registers handler for group on topic behind the delivery chain.
// The handler runs at most once per event and group while the dedupe record
// is retained. Deliveries that still fail after retries, or fail
// terminally, are sent to the group's dead letter queue.
func (s *Service) Subscribe(ctx context.Context, topic, group string, handler adapter.Handler) (adapter.Subscription, error) {
	const op = "subscribe"
	if handler == nil {
		return adapter.Subscription{}, errspkg.Ef(op, errspkg.ErrInvalidArgument, "handler is required")
	}
	s.subsMu.Lock()
	h := s.chain(handler)
	s.subsMu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sub, err := s.adapter.Subscribe(ctx, topic, group, func(ctx context.Context, d adapter.Delivery) error {
		ctx = withDeliveryState(ctx)
		err := h(ctx, d)
		if err == nil {
			return nil
		}
		return s.deadLetter(ctx, d, err)
	})
	if err != nil {
		return adapter.Subscription{}, errspkg.FromContext(op, err)
	}

	s.subsMu.Lock()
	s.subscriptions[sub.ID] = sub
	s.subsMu.Unlock()
	s.Logger.Info("Subscribed", loggingpkg.LogFields{
		"subscription_id": sub.ID,
		"topic":           topic,
		"consumer_group":  group,
	})
	return sub, nil
}

// deadLetter parks a failed delivery. A nil return commits the delivery;
// an error leaves it to the adapter's redelivery.
func (s *Service) deadLetter(ctx context.Context, d adapter.Delivery, cause error) error {
	logger := loggingpkg.ForDelivery(s.Logger, d.Envelope, d.Topic, d.ConsumerGroup)
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		return cause
	}

	dctx, cancel := s.withTimeout(adapter.WithSourceTopic(ctx, d.Topic))
	defer cancel()
	if err := s.adapter.SendToDLQ(dctx, d.Envelope, cause, d.ConsumerGroup); err != nil {
		logger.Error("Failed to dead-letter delivery", err, loggingpkg.LogFields{"cause": cause.Error()})
		return errors.Join(cause, err)
	}
	s.metrics.DeadLettered(d.ConsumerGroup)
	logger.Info("Delivery dead-lettered", loggingpkg.LogFields{
		"cause":     cause.Error(),
		"permanent": errspkg.IsPermanent(cause),
	})
	return nil
}

// Unsubscribe removes a member registered through Subscribe.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.adapter.Unsubscribe(ctx, subscriptionID); err != nil {
		return errspkg.FromContext("unsubscribe", err)
	}
	s.subsMu.Lock()
	delete(s.subscriptions, subscriptionID)
	s.subsMu.Unlock()
	return nil
}

// Subscriptions returns the members registered through this Service.
func (s *Service) Subscriptions() []adapter.Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]adapter.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

func (s *Service) ListTopics(ctx context.Context, tenantID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	topics, err := s.adapter.ListTopics(ctx, tenantID)
	return topics, errspkg.FromContext("list_topics", err)
}

func (s *Service) GetTopicInfo(ctx context.Context, topic string) (adapter.TopicInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	info, err := s.adapter.GetTopicInfo(ctx, topic)
	return info, errspkg.FromContext("get_topic_info", err)
}

func (s *Service) ListConsumerGroups(ctx context.Context, tenantID string) ([]adapter.ConsumerGroupInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	groups, err := s.adapter.ListConsumerGroups(ctx, tenantID)
	return groups, errspkg.FromContext("list_consumer_groups", err)
}

func (s *Service) GetConsumerLag(ctx context.Context, group string) (adapter.ConsumerLag, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	lag, err := s.adapter.GetConsumerLag(ctx, group)
	return lag, errspkg.FromContext("get_consumer_lag", err)
}

// SendToDLQ dead-letters env for group directly, bypassing the pipeline.
func (s *Service) SendToDLQ(ctx context.Context, env envelope.Envelope, cause error, group string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.adapter.SendToDLQ(ctx, env, cause, group); err != nil {
		return errspkg.FromContext("send_to_dlq", err)
	}
	s.metrics.DeadLettered(group)
	return nil
}

// ListDLQ returns up to limit dead-lettered entries of group, oldest first.
func (s *Service) ListDLQ(ctx context.Context, group string, limit int) ([]adapter.DLQEntry, error) {
	reader, ok := s.adapter.(adapter.DLQReader)
	if !ok {
		return nil, errspkg.Ef("list_dlq", errspkg.ErrInvalidArgument, "backend %q cannot list dead letters", s.adapter.Capabilities().Name)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entries, err := reader.ListDLQ(ctx, group, limit)
	return entries, errspkg.FromContext("list_dlq", err)
}

// ReplayEvents starts an asynchronous replay job. Replayed envelopes keep
// their ids, so groups that already processed them skip them as duplicates.
func (s *Service) ReplayEvents(ctx context.Context, req adapter.ReplayRequest) (adapter.ReplayJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	job, err := s.adapter.ReplayEvents(ctx, req)
	if err != nil {
		return adapter.ReplayJob{}, errspkg.FromContext("replay_events", err)
	}
	s.Logger.Info("Replay started", loggingpkg.LogFields{
		"replay_id":      job.ReplayID,
		"topic":          req.Topic,
		"consumer_group": req.ConsumerGroup,
	})
	return job, nil
}

// GetReplayStatus polls a replay job. The replayed-events counter is
// updated once per job when it is first seen finished.
func (s *Service) GetReplayStatus(ctx context.Context, replayID string) (adapter.ReplayJob, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	job, err := s.adapter.GetReplayStatus(ctx, replayID)
	if err != nil {
		return adapter.ReplayJob{}, errspkg.FromContext("get_replay_status", err)
	}
	if job.Status.Terminal() {
		s.replayMu.Lock()
		_, seen := s.replayCounted[job.ReplayID]
		s.replayCounted[job.ReplayID] = struct{}{}
		s.replayMu.Unlock()
		if !seen && job.EventsReplayed > 0 {
			s.metrics.EventsReplayed(job.Topic, job.EventsReplayed)
		}
	}
	return job, nil
}

// CancelReplay stops a running replay on backends that support it.
func (s *Service) CancelReplay(ctx context.Context, replayID string) error {
	canceller, ok := s.adapter.(adapter.ReplayCanceller)
	if !ok {
		return errspkg.Ef("cancel_replay", errspkg.ErrInvalidArgument, "backend %q cannot cancel replays", s.adapter.Capabilities().Name)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return errspkg.FromContext("cancel_replay", canceller.CancelReplay(ctx, replayID))
}
