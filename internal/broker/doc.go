// Package broker connects the process to the shared publish/subscribe channel
// used for cross-process fan-out. Topics are room identifiers; every process
// subscribed to a room's topic receives every event published for that room,
// including its own publishes. Delivery is at-least-once with no ordering
// guarantee across publishers.
//
// Two implementations are provided: a NATS-backed broker for deployments and
// an in-memory exchange that gives several broker endpoints in one process
// the same semantics, used for single-process mode and tests.
package broker
