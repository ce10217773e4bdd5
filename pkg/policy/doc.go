// Package policy classifies drift events with Open Policy Agent (OPA).
//
// The stock rule table lives in the Rego package specflow.drift and is
// evaluated top to bottom; the first matching row decides the severity:
//
//	security relevant            critical
//	contradicts a human decision high
//	touches a core abstraction   high
//	cosmetic only                low
//	additive only                low
//	affects more than one item   high
//	otherwise                    medium
//
// Low and medium events resolve automatically; medium also notifies. High and
// critical events halt the affected items until an operator decides.
//
// # Overrides
//
// Operators can load extra modules with Classifier.LoadPolicies. A module in
// package specflow.overrides that defines decision replaces the stock row for
// any input it matches:
//
//	package specflow.overrides
//
//	import rego.v1
//
//	decision := {"severity": "low", "rule": "docs-naming"} if {
//		input.category == "naming-conflict"
//	}
//
// A .json rule file carries the same module with a name, description, tags and
// an enabled flag:
//
//	{"name": "docs-naming", "rego": "package specflow.overrides ...", "enabled": false}
//
// Classifier.Watch reloads override directories when files change. A module
// that fails to compile leaves the previous rules in place.
//
// # Usage
//
//	classifier, err := policy.NewClassifier(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cl, err := classifier.Classify(ctx, engine.Traits{AffectedItems: 2})
package policy
