// Package deckflow provides an embeddable engine for generating slide decks
// as durable, resumable workflow runs.
//
// A run turns a prompt, or a SlideSpec document supplied by the caller, into
// a laid-out deck: it drafts or validates the document, optionally waits for
// a human to approve the outline, lays every slide out against a preset
// package, checks the plan for overflow and overlap, applies automatic
// layout fixes in a bounded loop and finally stores an immutable artifact
// version. Every step attempt is persisted, every state change is appended
// to an ordered event log, and a run survives process restarts.
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. FlowBuilder
//  4. StepHandler
//  5. LocalRunner
//
// # Engine
//
// The Engine stores workflow definitions and step handlers, persists runs,
// steps, events and artifacts, and provides APIs to:
//   - create runs, idempotently per (org, creator, key)
//   - regenerate selected slides of a finished run
//   - approve or cancel runs
//   - read run state, step history and the event log
//   - follow events as they are appended
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, with a matching job queue)
//   - Postgres
//
// Artifact versions can be kept in MongoDB, and jobs can be queued in Redis
// when several processes share one store.
//
// # Worker
//
// A Worker pulls job envelopes from a queue and hands them to the Engine,
// which executes one step attempt per job and schedules the next steps.
// Workers can be scaled horizontally; a job whose worker dies is
// redelivered when its lease expires, and the engine deduplicates it.
//
// # FlowBuilder
//
// The built-in deck workflow covers the common case. FlowBuilder defines
// other workflows from the same building blocks:
//
//	deckflow.New("brief").
//	    Tool("outline", outline).
//	    Agent("draft", draft, deckflow.After("outline")).
//	    Approval("review", deckflow.After("draft")).
//	    System("publish", publish, deckflow.After("review"), deckflow.When("!draft.empty"))
//
// Steps form a DAG. Predicates over run state skip steps, a step may loop
// back to an earlier one, and validation failures can be routed to an
// on-demand repair step.
//
// # StepHandler
//
// A StepHandler executes one attempt of a step:
//
//	type StepHandlerFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)
//
// Handlers must be idempotent: an attempt may be repeated after a crash.
// Errors carry a class that decides whether the attempt is retried with
// backoff, repaired, or fails the run. TypedStep, InputStep and IRStep wrap
// plain Go functions.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing.
//
// For a complete service with an HTTP API and server-sent event streams,
// see cmd/deckflow.
package deckflow
