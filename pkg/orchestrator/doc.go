// Package orchestrator drives work items from the roadmap to completed
// implementations.
//
// A run holds the store's run lease and proceeds in rounds. Each round walks
// the phases in lifecycle order: it rebuilds the dependency graph from the
// store, leaves out items held by undecided high or critical drift (and
// everything depending on them), dispatches the ready set through the batch
// executor and stores any work items the executor declared. After write-spec
// and create-tasks an alignment checkpoint compares the produced artifacts;
// low and medium drift is resolved automatically. Rounds repeat until one
// makes no progress.
//
// With the global halt scope any undecided halting drift stops dispatching
// altogether. A Decider, when configured, is asked about halting drift as
// soon as it appears.
//
// Results map to process exit codes: 0 when clean, 1 on an aborted run, 2
// when drift awaits a decision and 3 when items were left blocked.
package orchestrator
