package policy

import (
	"time"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Policy is a Rego module taking part in drift classification.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the stock classification table.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// ClassificationInput is the document evaluated by the classification rules.
type ClassificationInput struct {
	// Traits describe the deviation.
	Traits engine.Traits `json:"traits"`

	// Category is the alignment check that produced the event, if known.
	Category string `json:"category,omitempty"`

	// Items are the affected work item IDs, if known.
	Items []string `json:"items,omitempty"`

	// Reported is the severity the executor reported, if any.
	Reported engine.Severity `json:"reported,omitempty"`
}

// decision is the raw value produced by data.specflow.drift.decision.
type decision struct {
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
}
