package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/drblury/tenantflow/internal/runtime/dedupe"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/slo"
)

// Run drives the background loops until ctx is cancelled: the lag and topic
// gauge reporter, the dedupe store gauge and sweeper, and the outbox relay
// when one is configured.
func (s *Service) Run(ctx context.Context) error {
	loops := []func(context.Context){s.reportLoop}
	if s.relay != nil {
		loops = append(loops, func(ctx context.Context) {
			if err := s.relay.Run(ctx); err != nil {
				s.Logger.Error("Outbox relay stopped", err, nil)
			}
		})
	}

	s.Logger.Info("Event service running", loggingpkg.LogFields{"loops": len(loops)})
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
	return nil
}

func (s *Service) reportLoop(ctx context.Context) {
	interval := s.Conf.LagReportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RefreshGauges(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error("Failed to refresh gauges", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshGauges updates consumer lag, topic and dedupe store gauges, feeds
// the consumer lag SLO and sweeps expired dedupe records.
func (s *Service) RefreshGauges(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var errs []error
	groups, err := s.adapter.ListConsumerGroups(ctx, "")
	if err != nil {
		errs = append(errs, err)
	}
	for _, g := range groups {
		lag, err := s.adapter.GetConsumerLag(ctx, g.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.metrics.SetConsumerLag(g.Name, lag.TotalLag)
		s.slo.RecordMetric(slo.MetricConsumerLag, float64(lag.TotalLag), map[string]string{
			"tenant_id":      envelope.TenantOf(g.Name),
			"consumer_group": g.Name,
		})
	}

	topics, err := s.adapter.ListTopics(ctx, "")
	if err != nil {
		errs = append(errs, err)
	}
	for _, topic := range topics {
		info, err := s.adapter.GetTopicInfo(ctx, topic)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.metrics.SetTopicInfo(topic, info.PartitionCount, info.MessageCount)
	}

	store := s.processor.Store()
	if sweeper, ok := store.(dedupe.Sweeper); ok {
		if n, err := sweeper.Sweep(ctx); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.Logger.Debug("Swept expired dedupe records", loggingpkg.LogFields{"removed": n})
		}
	}
	if size, err := store.Size(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.metrics.SetDedupeStoreSize(size)
	}
	return errors.Join(errs...)
}

// Health evaluates the SLOs for tenantID, or for every tenant when empty.
func (s *Service) Health(tenantID string) slo.Health {
	return s.slo.Health(tenantID)
}

// HealthHandler serves Health as JSON. The tenant comes from the tenant_id
// query parameter. Critical health answers 503.
func (s *Service) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := s.Health(r.URL.Query().Get("tenant_id"))
		body, err := sonic.Marshal(health)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if health.Status == slo.StatusCritical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
}

// MetricsHandler serves the metrics registry in the exposition format.
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}
