package session

import (
	"encoding/json"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Payload is what an agent receives for one session. Prompt text is built by
// the agent from it.
type Payload struct {
	Item      PayloadItem       `json:"item"`
	Phase     engine.Phase      `json:"phase"`
	Revision  bool              `json:"revision,omitempty"`
	Findings  []string          `json:"findings,omitempty"`
	Artifacts []engine.Artifact `json:"artifacts,omitempty"`
	Drift     []PayloadDrift    `json:"drift,omitempty"`
}

// PayloadItem is the part of a work item an agent sees.
type PayloadItem struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	RelatedItems []string `json:"related_items,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// PayloadDrift is a decided drift event the agent must honor.
type PayloadDrift struct {
	Category       string          `json:"category"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
	Decision       engine.Decision `json:"decision"`
	Alternative    string          `json:"alternative,omitempty"`
}

// PayloadBuilder builds session payloads from persisted item state.
type PayloadBuilder struct {
	// MaxFindings keeps only the most recent findings. Zero keeps all.
	MaxFindings int
}

// Build implements engine.PayloadFunc. The payload carries every finding so
// far, the artifacts of the latest successful record, and decisions on drift
// that named the item.
func (b PayloadBuilder) Build(state *engine.ItemState, phase engine.Phase) (json.RawMessage, error) {
	p := Payload{
		Item: PayloadItem{
			ID:           state.Item.ID,
			Title:        state.Item.Title,
			Dependencies: state.Item.Dependencies,
			RelatedItems: state.Item.RelatedItems,
			Tags:         state.Item.Tags,
		},
		Phase:    phase,
		Revision: state.Item.PhaseStatus == engine.StatusNeedsRevision,
		Findings: state.Findings(),
	}
	if b.MaxFindings > 0 && len(p.Findings) > b.MaxFindings {
		p.Findings = p.Findings[len(p.Findings)-b.MaxFindings:]
	}
	for i := len(state.History) - 1; i >= 0; i-- {
		if r := state.History[i]; r.Outcome == engine.OutcomeSuccess && len(r.Artifacts) > 0 {
			p.Artifacts = r.Artifacts
			break
		}
	}
	for _, ev := range state.DriftEvents {
		if !ev.Decision.IsFinal() || ev.Decision == engine.DecisionRejected {
			continue
		}
		p.Drift = append(p.Drift, PayloadDrift{
			Category:       ev.Category,
			Description:    ev.Description,
			Recommendation: ev.Recommendation,
			Decision:       ev.Decision,
			Alternative:    ev.Alternative,
		})
	}
	return json.Marshal(p)
}
