package engine

import (
	"fmt"
)

// PhaseStatus is the lifecycle position of a work item.
type PhaseStatus string

const (
	// StatusDrafting is the initial status of every work item.
	StatusDrafting PhaseStatus = "drafting"

	// StatusShaped indicates the item's scope has been shaped.
	StatusShaped PhaseStatus = "shaped"

	// StatusSpecced indicates a specification has been written.
	StatusSpecced PhaseStatus = "specced"

	// StatusTasked indicates the specification has been broken down into tasks.
	StatusTasked PhaseStatus = "tasked"

	// StatusInProgress indicates the tasks have been implemented and await verification.
	StatusInProgress PhaseStatus = "in-progress"

	// StatusCompleted is the terminal status.
	StatusCompleted PhaseStatus = "completed"

	// StatusBlocked indicates the item cannot proceed until it is explicitly unblocked.
	// The item re-enters the lifecycle at the status it left.
	StatusBlocked PhaseStatus = "blocked"

	// StatusNeedsRevision indicates an applied high-severity resolution sent the
	// item back to an earlier phase.
	StatusNeedsRevision PhaseStatus = "needs-revision"
)

// lifecycleRank orders the main lifecycle statuses. Side states have no rank.
var lifecycleRank = map[PhaseStatus]int{
	StatusDrafting:   0,
	StatusShaped:     1,
	StatusSpecced:    2,
	StatusTasked:     3,
	StatusInProgress: 4,
	StatusCompleted:  5,
}

// Rank returns the position of the status in the main lifecycle, or -1 for
// the blocked and needs-revision side states.
func (s PhaseStatus) Rank() int {
	if r, ok := lifecycleRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or beyond threshold in the main lifecycle.
func (s PhaseStatus) AtLeast(threshold PhaseStatus) bool {
	return s.Rank() >= 0 && s.Rank() >= threshold.Rank()
}

// IsTerminal returns true if the status is final.
func (s PhaseStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// IsSideState returns true for blocked and needs-revision.
func (s PhaseStatus) IsSideState() bool {
	return s == StatusBlocked || s == StatusNeedsRevision
}

// Validate checks if the phase status is valid.
func (s PhaseStatus) Validate() error {
	if s.Rank() >= 0 || s.IsSideState() {
		return nil
	}
	return fmt.Errorf("invalid phase status: %s", s)
}

// Phase is a unit of lifecycle work executed by a SessionExecutor.
type Phase string

const (
	// PhaseShape turns a roadmap entry into a shaped scope.
	PhaseShape Phase = "shape"

	// PhaseWriteSpec writes the specification for a shaped item.
	PhaseWriteSpec Phase = "write-spec"

	// PhaseCreateTasks breaks a specification into tasks.
	PhaseCreateTasks Phase = "create-tasks"

	// PhaseImplement implements the task list.
	PhaseImplement Phase = "implement"

	// PhaseVerify verifies an implementation against its specification.
	PhaseVerify Phase = "verify"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{PhaseShape, PhaseWriteSpec, PhaseCreateTasks, PhaseImplement, PhaseVerify}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseShape, PhaseWriteSpec, PhaseCreateTasks, PhaseImplement, PhaseVerify:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// Entry returns the status an item must hold to start the phase.
func (p Phase) Entry() PhaseStatus {
	switch p {
	case PhaseShape:
		return StatusDrafting
	case PhaseWriteSpec:
		return StatusShaped
	case PhaseCreateTasks:
		return StatusSpecced
	case PhaseImplement:
		return StatusTasked
	case PhaseVerify:
		return StatusInProgress
	}
	return ""
}

// Target returns the status an item reaches when the phase succeeds.
func (p Phase) Target() PhaseStatus {
	switch p {
	case PhaseShape:
		return StatusShaped
	case PhaseWriteSpec:
		return StatusSpecced
	case PhaseCreateTasks:
		return StatusTasked
	case PhaseImplement:
		return StatusInProgress
	case PhaseVerify:
		return StatusCompleted
	}
	return ""
}

// PhaseForEntry returns the phase that starts from the given status.
func PhaseForEntry(s PhaseStatus) (Phase, bool) {
	for _, p := range Phases {
		if p.Entry() == s {
			return p, true
		}
	}
	return "", false
}

// Outcome is the result of one dispatch recorded in an ExecutionRecord.
type Outcome string

const (
	// OutcomeSuccess indicates the phase completed and the item advanced.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates all attempts failed.
	OutcomeFailure Outcome = "failure"

	// OutcomeBlocked indicates the item was blocked.
	OutcomeBlocked Outcome = "blocked"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeBlocked:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RecordOrigin distinguishes executor dispatches from resolution edits.
type RecordOrigin string

const (
	// OriginSession marks records produced by a SessionExecutor dispatch.
	OriginSession RecordOrigin = "session"

	// OriginResolution marks records appended when an alignment edit rewrote artifacts.
	OriginResolution RecordOrigin = "resolution"
)

// Severity is the risk level assigned to a drift event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown severities rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Halts reports whether events of this severity require a human decision.
func (s Severity) Halts() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	if s.Rank() == 0 {
		return fmt.Errorf("invalid severity: %s", s)
	}
	return nil
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Decision is the resolution state of a drift event.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionModified Decision = "modified"
)

// IsFinal returns true once a decision has been taken.
func (d Decision) IsFinal() bool {
	return d == DecisionApproved || d == DecisionRejected || d == DecisionModified
}

// Validate checks if the decision is valid.
func (d Decision) Validate() error {
	switch d {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionModified:
		return nil
	default:
		return fmt.Errorf("invalid decision: %s", d)
	}
}

// ReportStatus is the state of an alignment report.
type ReportStatus string

const (
	ReportPendingReview ReportStatus = "pending-review"
	ReportApproved      ReportStatus = "approved"
	ReportApplied       ReportStatus = "applied"
)

// Validate checks if the report status is valid.
func (s ReportStatus) Validate() error {
	switch s {
	case ReportPendingReview, ReportApproved, ReportApplied:
		return nil
	default:
		return fmt.Errorf("invalid report status: %s", s)
	}
}

// BatchMode selects how a batch is dispatched.
type BatchMode string

const (
	// ModeSequential dispatches one item at a time in scheduler order.
	ModeSequential BatchMode = "sequential"

	// ModeParallel dispatches up to the concurrency limit at once.
	ModeParallel BatchMode = "parallel"
)

// Validate checks if the batch mode is valid.
func (m BatchMode) Validate() error {
	switch m {
	case ModeSequential, ModeParallel:
		return nil
	default:
		return fmt.Errorf("invalid batch mode: %s", m)
	}
}

// HaltScope selects what stops while a high-severity drift event awaits a decision.
type HaltScope string

const (
	// HaltSubgraph stops only the affected items and their dependents.
	HaltSubgraph HaltScope = "subgraph"

	// HaltGlobal stops all new dispatches.
	HaltGlobal HaltScope = "global"
)

// Validate checks if the halt scope is valid.
func (h HaltScope) Validate() error {
	switch h {
	case HaltSubgraph, HaltGlobal:
		return nil
	default:
		return fmt.Errorf("invalid halt scope: %s", h)
	}
}
