// Package tenantflow is the event delivery core for multi-tenant services.
// Events travel as immutable envelopes on tenant-scoped topics
// ("tenant.<id>.events.<category>") and are consumed by tenant-scoped
// consumer groups ("tenant.<id>.consumers.<name>").
//
// Service wraps the adapter selected by Config.Backend with an exactly-once
// processor, a circuit breaker around publishing, Prometheus metrics and an
// SLO monitor. A minimal setup therefore involves filling Config, creating a
// Service, subscribing handlers and calling Run for the background loops.
//
// # Adapters
//
// Three drivers register themselves with the default adapter registry:
//   - memory: in-process partitioned log for tests and local development
//   - redis: Redis streams with consumer groups and a stream-backed DLQ
//   - kafka: Kafka topics through Sarama consumer groups
//
// Drivers expose topic introspection, consumer lag, dead letter queues and
// asynchronous replay behind the same interface.
//
// # Exactly-once processing
//
// Every delivery is claimed in a dedupe store (memory, Redis or SQLite)
// keyed by event id and consumer group before the handler runs. Redelivered
// and replayed envelopes keep their ids, so a group that already handled an
// event skips it.
//
// # Middleware
//
// The default delivery chain adds OpenTelemetry tracing, debug logging,
// lifecycle hooks, metrics and retries with exponential backoff around the
// processor. Deliveries that still fail are dead-lettered. Custom middleware
// can be added via ServiceDependencies.Middlewares.
//
// # Outbox
//
// Service.Stage writes envelopes to an outbox store, optionally inside a
// caller's PostgreSQL transaction, and the relay started by Run publishes
// them.
package tenantflow
