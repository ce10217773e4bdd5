package policy

import (
	"time"
)

const (
	// DriftPackage is the package holding the stock classification table.
	DriftPackage = "specflow.drift"

	// OverridePackage is where operator modules may define a decision that
	// replaces the stock table.
	OverridePackage = "specflow.overrides"

	decisionQuery = "data.specflow.drift.decision"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		driftClassificationPolicy(),
	}
}

// driftClassificationPolicy is the ordered rule table. The first matching row
// wins; an operator override is consulted before any row.
func driftClassificationPolicy() Policy {
	return Policy{
		Name:        "drift-classification",
		Description: "Assigns a severity to drift events from their traits",
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"drift", "alignment"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package specflow.drift

import rego.v1

default decision := {"severity": "medium", "rule": "single-item"}

decision := data.specflow.overrides.decision if {
	data.specflow.overrides.decision.severity
} else := {"severity": "critical", "rule": "security"} if {
	input.traits.securityRelevant
} else := {"severity": "high", "rule": "contradicts-decision"} if {
	input.traits.contradictsDecision
} else := {"severity": "high", "rule": "core-abstraction"} if {
	input.traits.touchesCoreAbstraction
} else := {"severity": "low", "rule": "cosmetic"} if {
	input.traits.cosmeticOnly
} else := {"severity": "low", "rule": "additive"} if {
	input.traits.additiveOnly
} else := {"severity": "high", "rule": "multi-item"} if {
	input.traits.affectedItems > 1
}
`,
	}
}
