// Package outbox relays domain events stored in a transactional outbox to an
// external system, in order and at least once.
//
// Business operations append events to an event store in the same transaction
// as the state change they describe. A Relay then polls the store for pending
// events and publishes them one at a time:
//
//  1. Reading: FindPendingEvents returns the pending backlog ordered by the time
//     the events occurred.
//
//  2. Publishing: each event is handed to an EventPublisher (a broker, bus or
//     projection builder). Once accepted, the event is marked as published in
//     the store before the next one is attempted. The first failure halts the
//     batch and the remainder is retried, in order, on the next cycle.
//
// Cycles never overlap, and the interval is a cooldown measured from the end of
// the previous cycle. Because an event can be published and then fail to be
// marked, consumers must deduplicate by event ID.
//
// Reference implementations live in the store and sink subpackages: in-memory
// versions for tests and adapters for database/sql, pgx, Kafka, RabbitMQ, NATS
// and Redis Streams.
package outbox
