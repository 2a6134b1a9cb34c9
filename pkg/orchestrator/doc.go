// Package orchestrator implements the run lifecycle of NetIntent.
//
// A run moves through a guarded state machine:
//
//	queued -> planning -> awaiting_approval -> queued -> applying -> applied
//
// with failed and cancelled reachable from every non-terminal state. Every
// state write goes through Machine, which validates the edge and delegates
// the compare-and-set to a RunStore. Claims are the only way into an
// executing state, and a claim also acquires the scope lease that keeps two
// runs of the same scope from holding it at once.
//
// Scheduler claims queued runs up to its parallelism limit and hands them to
// a Worker, which drives the EngineAdapter, persists events and artifacts,
// heartbeats the claim and records the outcome. Stale claims are requeued
// once and then failed with WorkerLost by Scheduler.Reap.
package orchestrator
