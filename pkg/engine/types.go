package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkItem is a single roadmap entry moving through the lifecycle.
type WorkItem struct {
	// ID is the unique, stable identifier of the item.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Title is a human-readable label.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// PhaseStatus is the canonical lifecycle position, owned by the StateStore.
	PhaseStatus PhaseStatus `json:"phase_status" yaml:"phase_status,omitempty"`

	// Dependencies are the IDs of items that must progress before this one.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive,required"`

	// Priority breaks ties between ready items; higher runs first.
	Priority int `json:"priority" yaml:"priority,omitempty"`

	// RelatedItems share a concern tag with this item. Used only to scope
	// alignment re-checks, never for scheduling.
	RelatedItems []string `json:"related_items,omitempty" yaml:"related_items,omitempty"`

	// Tags are free-form concern tags.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// BlockedFrom is the status the item held before it was blocked.
	BlockedFrom PhaseStatus `json:"blocked_from,omitempty" yaml:"-"`

	// BlockReason explains why the item is blocked.
	BlockReason string `json:"block_reason,omitempty" yaml:"-"`

	// RevisionTarget is the status a needs-revision item re-enters at.
	RevisionTarget PhaseStatus `json:"revision_target,omitempty" yaml:"-"`

	// Inactive marks an item that left the roadmap. Items are never deleted.
	Inactive bool `json:"inactive,omitempty" yaml:"-"`

	// Version is incremented on every save.
	Version int64 `json:"version" yaml:"-"`

	// Seq is the insertion order, used as the final scheduling tie-break.
	Seq int64 `json:"seq" yaml:"-"`

	// CreatedAt is when the item was first stored.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is when the item was last saved.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// EffectiveStatus is the lifecycle status used for gating. Blocked items gate
// as the status they left; needs-revision items gate as their revision target.
func (w *WorkItem) EffectiveStatus() PhaseStatus {
	switch w.PhaseStatus {
	case StatusBlocked:
		return w.BlockedFrom
	case StatusNeedsRevision:
		return w.RevisionTarget
	}
	return w.PhaseStatus
}

// Declaration is a named interface or type an artifact exposes.
type Declaration struct {
	Name   string            `json:"name" validate:"required"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	// Core marks a declaration other items build on.
	Core bool     `json:"core,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Signature returns a stable digest of the declaration's kind and fields,
// independent of its name.
func (d Declaration) Signature() string {
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(d.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s:%s", k, d.Fields[k])
	}
	return b.String()
}

// ComponentRef records a shared component an artifact builds on.
type ComponentRef struct {
	Name      string   `json:"name" validate:"required"`
	Signature string   `json:"signature,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Artifact is an opaque reference to something a session produced, together
// with the facts it declares. The referenced content is never opened.
type Artifact struct {
	Ref          string         `json:"ref" validate:"required"`
	Kind         string         `json:"kind,omitempty"`
	Declarations []Declaration  `json:"declarations,omitempty" validate:"dive"`
	Scope        []string       `json:"scope,omitempty"`
	Components   []ComponentRef `json:"components,omitempty" validate:"dive"`
	References   []string       `json:"references,omitempty"`
}

// ExecutionRecord is the append-only log entry for one dispatch of an item.
type ExecutionRecord struct {
	ID         string       `json:"id"`
	ItemID     string       `json:"item_id"`
	Phase      Phase        `json:"phase"`
	Attempts   int          `json:"attempts"`
	Outcome    Outcome      `json:"outcome"`
	Origin     RecordOrigin `json:"origin"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Artifacts  []Artifact   `json:"artifacts,omitempty"`
	Findings   []string     `json:"findings,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Duration returns how long the dispatch took.
func (r *ExecutionRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Traits are the deviation characteristics a drift event is classified by.
type Traits struct {
	SecurityRelevant       bool `json:"securityRelevant"`
	ContradictsDecision    bool `json:"contradictsDecision"`
	TouchesCoreAbstraction bool `json:"touchesCoreAbstraction"`
	CosmeticOnly           bool `json:"cosmeticOnly"`
	AdditiveOnly           bool `json:"additiveOnly"`
	AffectedItems          int  `json:"affectedItems"`
}

// EditKind selects how a resolution rewrites recorded artifacts.
type EditKind string

const (
	// EditNone records the decision without touching artifacts.
	EditNone EditKind = "none"

	// EditRename renames a declaration to the canonical name.
	EditRename EditKind = "rename"

	// EditSetFields replaces a declaration's fields.
	EditSetFields EditKind = "set-fields"

	// EditDropScope removes a scope tag from the listed items.
	EditDropScope EditKind = "drop-scope"

	// EditAddDependency adds a newly discovered dependency edge.
	EditAddDependency EditKind = "add-dependency"

	// EditAdoptComponent moves items onto a single component signature.
	EditAdoptComponent EditKind = "adopt-component"
)

// Edit is a machine-applicable resolution for a drift event.
type Edit struct {
	Kind EditKind `json:"kind"`

	// Items are the work items whose artifacts the edit rewrites.
	Items []string `json:"items,omitempty"`

	// Target names the declaration, scope tag, component, or dependency.
	Target string `json:"target,omitempty"`

	// Value is the canonical name, signature, or dependency ID. For
	// set-fields edits it is the canonical declaration kind.
	Value string `json:"value,omitempty"`

	// Fields carries the canonical field set for set-fields edits.
	Fields map[string]string `json:"fields,omitempty"`

	// RevisitPhase is the phase affected items redo after a halting resolution.
	RevisitPhase Phase `json:"revisit_phase,omitempty"`
}

// DriftEvent is a detected deviation between artifacts.
type DriftEvent struct {
	ID             string     `json:"id"`
	ReportID       string     `json:"report_id,omitempty"`
	Category       string     `json:"category"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description"`
	Expected       string     `json:"expected,omitempty"`
	Actual         string     `json:"actual,omitempty"`
	Impact         string     `json:"impact,omitempty"`
	AffectedItems  []string   `json:"affected_items"`
	Recommendation string     `json:"recommendation"`
	Edit           Edit       `json:"edit"`
	Traits         Traits     `json:"traits"`
	Rule           string     `json:"rule,omitempty"`
	AutoResolve    bool       `json:"auto_resolve"`
	Notify         bool       `json:"notify"`
	Decision       Decision   `json:"decision"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	Alternative    string     `json:"alternative,omitempty"`
	FollowUp       bool       `json:"follow_up,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	Applied        bool       `json:"applied,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Halting reports whether the event blocks its affected items.
func (e *DriftEvent) Halting() bool {
	return e.Decision == DecisionPending && e.Severity.Halts()
}

// Affects reports whether the event names the given item.
func (e *DriftEvent) Affects(itemID string) bool {
	for _, id := range e.AffectedItems {
		if id == itemID {
			return true
		}
	}
	return false
}

// Fingerprint derives a stable identity for a finding so the same deviation is
// not raised twice across checkpoints.
func Fingerprint(category, subject string, items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(category + "\x00" + subject + "\x00" + strings.Join(sorted, ",")))
	return hex.EncodeToString(h[:12])
}

// AlignmentReport is the output of one alignment checkpoint.
type AlignmentReport struct {
	ID               string        `json:"id"`
	Phase            Phase         `json:"phase"`
	ReviewedItems    []string      `json:"reviewed_items"`
	Events           []*DriftEvent `json:"events"`
	RecommendedOrder []string      `json:"recommended_order"`
	Status           ReportStatus  `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Pending returns the events still awaiting a decision.
func (r *AlignmentReport) Pending() []*DriftEvent {
	var out []*DriftEvent
	for _, e := range r.Events {
		if e.Decision == DecisionPending {
			out = append(out, e)
		}
	}
	return out
}

// Event returns the drift event with the given ID.
func (r *AlignmentReport) Event(id string) (*DriftEvent, bool) {
	for _, e := range r.Events {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// ItemState is the persisted record of a work item: the item itself, its
// execution history, and the drift events that name it.
type ItemState struct {
	Item        WorkItem          `json:"item"`
	History     []ExecutionRecord `json:"history"`
	DriftEvents []DriftEvent      `json:"drift_events"`
}

// LatestRecord returns the most recent record for the phase, if any.
func (s *ItemState) LatestRecord(phase Phase) (*ExecutionRecord, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Phase == phase {
			return &s.History[i], true
		}
	}
	return nil, false
}

// LatestSuccess returns the most recent successful record for the phase.
func (s *ItemState) LatestSuccess(phase Phase) (*ExecutionRecord, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Phase == phase && s.History[i].Outcome == OutcomeSuccess {
			return &s.History[i], true
		}
	}
	return nil, false
}

// Findings collects findings from every record, oldest first.
func (s *ItemState) Findings() []string {
	var out []string
	for _, r := range s.History {
		out = append(out, r.Findings...)
	}
	return out
}

// ItemUpdate describes an atomic change to a work item.
type ItemUpdate struct {
	Status         *PhaseStatus      `json:"status,omitempty"`
	BlockedFrom    *PhaseStatus      `json:"blocked_from,omitempty"`
	BlockReason    *string           `json:"block_reason,omitempty"`
	RevisionTarget *PhaseStatus      `json:"revision_target,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	SetDeps        bool              `json:"set_deps,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	Title          *string           `json:"title,omitempty"`
	RelatedItems   []string          `json:"related_items,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	SetMeta        bool              `json:"set_meta,omitempty"`
	Inactive       *bool             `json:"inactive,omitempty"`
	AppendRecords  []ExecutionRecord `json:"append_records,omitempty"`
}

// Apply merges the update into item.
func (u *ItemUpdate) Apply(item *WorkItem) {
	if u.Status != nil {
		item.PhaseStatus = *u.Status
	}
	if u.BlockedFrom != nil {
		item.BlockedFrom = *u.BlockedFrom
	}
	if u.BlockReason != nil {
		item.BlockReason = *u.BlockReason
	}
	if u.RevisionTarget != nil {
		item.RevisionTarget = *u.RevisionTarget
	}
	if u.SetDeps {
		item.Dependencies = append([]string(nil), u.Dependencies...)
	}
	if u.Priority != nil {
		item.Priority = *u.Priority
	}
	if u.Title != nil {
		item.Title = *u.Title
	}
	if u.SetMeta {
		item.RelatedItems = append([]string(nil), u.RelatedItems...)
		item.Tags = append([]string(nil), u.Tags...)
	}
	if u.Inactive != nil {
		item.Inactive = *u.Inactive
	}
}

// Lease is a held per-key write lease.
type Lease struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionOptions carries per-call executor options.
type SessionOptions struct {
	Model               string        `json:"model,omitempty"`
	AllowedCapabilities []string      `json:"allowed_capabilities,omitempty"`
	Timeout             time.Duration `json:"timeout,omitempty"`
}

// SessionRequest is one unit of work handed to the executor.
type SessionRequest struct {
	ItemID         string          `json:"item_id"`
	Phase          Phase           `json:"phase"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	WorkingContext string          `json:"working_context,omitempty"`
	Options        SessionOptions  `json:"options"`
}

// SessionResult is what the executor returns for a request.
type SessionResult struct {
	Status      Outcome      `json:"status" validate:"required,oneof=success failure blocked"`
	Artifacts   []Artifact   `json:"artifacts,omitempty" validate:"dive"`
	Findings    []string     `json:"findings,omitempty"`
	DriftEvents []DriftEvent `json:"drift_events,omitempty"`
	NewItems    []WorkItem   `json:"new_items,omitempty" validate:"dive"`
	Reason      string       `json:"reason,omitempty"`
}

// AuditEntry records an operator or automatic decision.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Subject   string                 `json:"subject"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventType categorizes orchestration events.
type EventType string

const (
	EventItemStarted       EventType = "item.started"
	EventItemRetrying      EventType = "item.retrying"
	EventItemCompleted     EventType = "item.completed"
	EventItemFailed        EventType = "item.failed"
	EventItemBlocked       EventType = "item.blocked"
	EventPhaseStarted      EventType = "phase.started"
	EventPhaseCompleted    EventType = "phase.completed"
	EventDriftDetected     EventType = "drift.detected"
	EventDriftNotification EventType = "drift.notification"
	EventDriftResolved     EventType = "drift.resolved"
	EventCheckpointHalted  EventType = "checkpoint.halted"
	EventSessionOutput     EventType = "session.output"
)

// Event is an orchestration event published while a run progresses.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	ItemID    string                 `json:"item_id,omitempty"`
	Phase     Phase                  `json:"phase,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
