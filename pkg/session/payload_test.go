package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/specflow/pkg/engine"
)

func TestPayloadBuilder_Build(t *testing.T) {
	state := &engine.ItemState{
		Item: engine.WorkItem{
			ID:           "billing",
			Title:        "Billing",
			PhaseStatus:  engine.StatusNeedsRevision,
			Dependencies: []string{"auth"},
		},
		History: []engine.ExecutionRecord{
			{Phase: engine.PhaseShape, Outcome: engine.OutcomeSuccess, Findings: []string{"scope is invoices"}},
			{Phase: engine.PhaseWriteSpec, Outcome: engine.OutcomeSuccess, Artifacts: []engine.Artifact{{Ref: "v1.md"}}, Findings: []string{"uses cents"}},
			{Phase: engine.PhaseWriteSpec, Outcome: engine.OutcomeFailure, Artifacts: []engine.Artifact{{Ref: "broken.md"}}, Findings: []string{"timed out"}},
		},
		DriftEvents: []engine.DriftEvent{
			{Category: "naming-conflict", Description: "Account vs User", Recommendation: "rename", Decision: engine.DecisionApproved},
			{Category: "duplicated-scope", Description: "email", Decision: engine.DecisionRejected},
			{Category: "dependency-order", Description: "pending", Decision: engine.DecisionPending},
		},
	}

	raw, err := PayloadBuilder{MaxFindings: 2}.Build(state, engine.PhaseWriteSpec)
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "billing", p.Item.ID)
	assert.Equal(t, []string{"auth"}, p.Item.Dependencies)
	assert.Equal(t, engine.PhaseWriteSpec, p.Phase)
	assert.True(t, p.Revision)
	assert.Equal(t, []string{"uses cents", "timed out"}, p.Findings)
	require.Len(t, p.Artifacts, 1)
	assert.Equal(t, "v1.md", p.Artifacts[0].Ref)
	require.Len(t, p.Drift, 1)
	assert.Equal(t, "naming-conflict", p.Drift[0].Category)
}

func TestPayloadBuilder_ImplementsPayloadFunc(t *testing.T) {
	var fn engine.PayloadFunc = PayloadBuilder{}.Build
	raw, err := fn(&engine.ItemState{Item: engine.WorkItem{ID: "a"}}, engine.PhaseShape)
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":{"id":"a"},"phase":"shape"}`, string(raw))
}
