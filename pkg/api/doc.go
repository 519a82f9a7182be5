// Package api contains the core types shared by the deckflow orchestrator,
// its workers and its control surface.
//
// Most users interact with the higher-level deckflow package, which
// re-exports selected types and constructors from this package. The api
// package is intended for custom integrations, alternative stores and
// step handlers.
//
// # Runs and steps
//
// A Run is one end-to-end execution of a workflow against a specific input.
// Its lifecycle is governed by a fixed state machine:
//
//	created → planning → waiting_approval → executing → rendering → quality_check → completed
//
// with failed and cancelled reachable from any non-terminal state. The only
// backward edge is quality_check → rendering, taken when the layout fix loop
// produced a new IR version.
//
// A RunStep is one scheduled unit of work within a Run. Steps are keyed by
// a step key that is unique within the run; loop iterations use derived keys
// ("render_plan@2").
//
// # Workflows
//
// Workflows are data. A WorkflowDefinition is an ordered list of
// StepDefinitions, each naming a handler, its dependencies and an optional
// `when` predicate interpreted against run state. Handlers are registered
// separately by name, so new step behavior can be added without touching
// the orchestrator.
//
// # Events
//
// Every run owns an append-only event log with a gap-free sequence starting
// at 0. Events are the sole basis for live streaming and reconnection replay.
//
// # Errors
//
// Errors that reach callers are *Error values carrying a stable Code and a
// failure Class. The class drives retry decisions; the code is what clients
// match on.
//
// # Observability
//
// The Observer interface receives run and step lifecycle callbacks.
// LoggingObserver and BasicMetrics are ready-made implementations that can be
// combined with NewCompositeObserver.
package api
