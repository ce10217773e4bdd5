// Package roadmap loads the operator's list of work items.
//
// A roadmap is a YAML, CUE or JSON file:
//
//	version: 1
//	items:
//	  - id: auth
//	    title: Authentication
//	    priority: 10
//	    tags: [security, accounts]
//	  - id: billing
//	    dependencies: [auth]
//	    tags: [accounts]
//
// Items that share a tag are related to each other. Relations only widen
// alignment re-checks; they never affect scheduling.
package roadmap
