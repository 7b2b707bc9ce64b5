/*
Package runtime provides the core event delivery pipeline for tenantflow.

# Architecture Overview

The runtime package wires a backend adapter (memory, Redis streams or Kafka)
to an exactly-once processor, per call-site circuit breakers, a Prometheus
metrics collector and an SLO monitor. Events travel as immutable envelopes
on tenant-scoped topics; consumer groups are tenant-scoped as well.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - The adapter selected by configuration (or injected)
  - The dedupe store and exactly-once processor
  - The circuit breaker registry
  - The metrics collector and SLO monitor
  - The optional outbox store and relay

## Publishing and subscribing (publish.go)

Publish runs through the "adapter.publish" circuit breaker under the
configured operation timeout. Subscribe wraps the handler in the delivery
chain and dead-letters deliveries that still fail at the end of it.

## Middleware (middleware.go)

The delivery chain is composed of registrations, outermost first:
  - Tracer: OpenTelemetry span per delivery
  - LogDeliveries: debug logging of envelopes
  - DeliveryHooks: lifecycle callbacks
  - Metrics: consumption counters and processing SLO samples
  - Retry: exponential backoff, stopped by terminal errors

The exactly-once processor always sits innermost, directly around the
handler, so every retry goes through the dedupe claim again.

## Hooks (hooks.go)

DeliveryHooks observe start, completion, failure and duplicate
suppression of each delivery.

## Background loops (run.go)

Run refreshes lag, topic and dedupe store gauges, sweeps expired dedupe
records and drives the outbox relay.

# Sub-packages

  - breaker/: Circuit breaker on top of sony/gobreaker
  - config/: Service configuration with validation
  - dedupe/: Dedupe stores (memory, Redis, SQLite) and the exactly-once processor
  - envelope/: Envelope, topic and consumer group naming, wire codec
  - errors/: Error taxonomy
  - handlers/: Typed JSON handlers
  - ids/: ULID and UUID generation
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collector
  - outbox/: Transactional outbox stores and relay
  - slo/: SLO targets, windows and health evaluation

# Usage Example

	cfg := tenantflow.DefaultConfig()
	svc, err := tenantflow.NewService(ctx, cfg, logger, tenantflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	_, err = svc.Subscribe(ctx, "tenant.acme.events.orders", "tenant.acme.consumers.billing",
		func(ctx context.Context, d tenantflow.Delivery) error {
			return bill(ctx, d.Envelope)
		})

	_, _, err = svc.PublishEvent(ctx, "acme", "orders", "order.placed", map[string]any{"order_id": "o-1"})

	go svc.Run(ctx)
*/
package runtime
