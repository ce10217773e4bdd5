// Package config loads specflow's configuration.
//
// Settings come from a YAML file (specflow.yaml in the working directory or
// the user config directory, or the file named by --config), overridden by
// SPECFLOW_ environment variables, on top of the defaults in Default. Keys
// are case-insensitive; nested keys join with an underscore in the
// environment:
//
//	maxConcurrency: 4
//	retryAttempts: 3
//	sessionTimeoutMs: 1800000
//	checkpointsEnabled:
//	  afterSpecAlignment: true
//	  afterTaskAlignment: true
//	  onHighSeverityDrift: true
//	haltScope: subgraph
//	agent:
//	  command: my-agent
//	  args: [--stdio]
//	gates:
//	  implement:
//	    dependencyThreshold: completed
//	    mode: parallel
//
//	SPECFLOW_MAXCONCURRENCY=8
//	SPECFLOW_AGENT_COMMAND=other-agent
//
// The decoded Config is validated with go-playground/validator before use.
package config
