// Package engine provides the core types and scheduling primitives for the
// specflow orchestration engine.
//
// # Overview
//
// specflow drives a roadmap of work items through a fixed lifecycle. Each
// transition is a phase executed by an external SessionExecutor:
//
//  1. shape        drafting     -> shaped
//  2. write-spec   shaped       -> specced
//  3. create-tasks specced      -> tasked
//  4. implement    tasked       -> in-progress
//  5. verify       in-progress  -> completed
//
// Items may also sit in two side states. A blocked item re-enters at the
// status it was blocked from once an operator unblocks it. A needs-revision
// item re-enters at its revision target after a high-severity drift
// resolution.
//
// # Core Types
//
//   - WorkItem: A roadmap entry with dependencies, priority and status
//   - ExecutionRecord: One dispatch of a phase and its outcome
//   - Artifact: A reference to something a session produced
//   - DriftEvent: A cross-item inconsistency found during alignment
//   - AlignmentReport: A group of drift events awaiting decisions
//
// # Scheduling
//
// DependencyGraph is the in-memory view of items and edges. It rejects
// cycles, dangling and self references atomically and computes ready sets for
// a phase gate:
//
//	g, err := engine.BuildGraph(states)
//	ready := g.ComputeReadySet(engine.DefaultGates().ReadyGate(engine.PhaseShape, nil))
//
// BatchExecutor dispatches a ready set either sequentially or through a
// bounded worker pool. Each item is dispatched under a lease held from the
// first attempt until its ExecutionRecord is saved, so concurrent runs never
// execute the same item twice.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Timeouts and reported session failures, retried with backoff
//   - Throttled: Rate limiting that requires a longer backoff
//   - Conflict: Lease contention, retried after a reload
//   - Permanent: Structural failures, graph errors and invalid input
//
// Use the helper functions to inspect errors:
//
//	if engine.IsRetryable(err) {
//	    // retry the session
//	}
//
// # Thread Safety
//
// DependencyGraph and BatchExecutor are safe for concurrent use. StateStore
// implementations must make Save atomic per item and honor leases.
package engine
