// Package worker provides the background worker that drives deckflow runs
// forward.
//
// Workers lease job envelopes from a task queue, hand them to an Executor
// (the orchestrator) and acknowledge them once the outcome is recorded.
// Retries, backoff and repair routing are decided by the orchestrator,
// which re-enqueues follow-up jobs itself; the worker only guarantees
// at-least-once delivery. Unacknowledged jobs become visible again when
// their lease expires, so a crashed worker never loses work.
//
// # Concurrency
//
// Run starts Config.Concurrency loops sharing one lease owner ID. Jobs for
// different step keys of the same run may execute in parallel; the
// orchestrator serializes run updates.
//
// # Backends
//
// Workers are decoupled from storage. Any taskqueue.Queue works: the
// in-memory queue for tests and the offline CLI, SQLite for single-node
// deployments and Redis when several processes share the work.
//
// Most applications construct workers through the deckflow package's
// LocalRunner, which wires an engine, a queue and a worker together.
package worker
