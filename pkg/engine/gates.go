package engine

import "fmt"

// PhaseGate configures when an item may start a phase and how the phase's
// batches are dispatched.
type PhaseGate struct {
	// DependencyThreshold is the status every dependency must have reached
	// before an item may start the phase.
	DependencyThreshold PhaseStatus `json:"dependency_threshold" yaml:"dependency_threshold" mapstructure:"dependencyThreshold"`

	// Mode is the default batch mode for the phase.
	Mode BatchMode `json:"mode" yaml:"mode" mapstructure:"mode"`
}

// Gates holds the gate for every phase.
type Gates map[Phase]PhaseGate

// DefaultGates returns the stock gates. Shaping and spec writing run
// sequentially so each spec can build on the previous one; a dependency only
// needs to be specced before dependents are shaped, but must be completed
// before dependents are implemented.
func DefaultGates() Gates {
	return Gates{
		PhaseShape:       {DependencyThreshold: StatusSpecced, Mode: ModeSequential},
		PhaseWriteSpec:   {DependencyThreshold: StatusSpecced, Mode: ModeSequential},
		PhaseCreateTasks: {DependencyThreshold: StatusSpecced, Mode: ModeParallel},
		PhaseImplement:   {DependencyThreshold: StatusCompleted, Mode: ModeParallel},
		PhaseVerify:      {DependencyThreshold: StatusCompleted, Mode: ModeParallel},
	}
}

// Gate returns the gate for a phase, falling back to the default.
func (g Gates) Gate(phase Phase) PhaseGate {
	if gate, ok := g[phase]; ok {
		def := DefaultGates()[phase]
		if gate.DependencyThreshold == "" {
			gate.DependencyThreshold = def.DependencyThreshold
		}
		if gate.Mode == "" {
			gate.Mode = def.Mode
		}
		return gate
	}
	return DefaultGates()[phase]
}

// ReadyGate builds the scheduler gate for a phase.
func (g Gates) ReadyGate(phase Phase, exclude map[string]bool) ReadyGate {
	return ReadyGate{
		Entry:               phase.Entry(),
		Target:              phase.Target(),
		DependencyThreshold: g.Gate(phase).DependencyThreshold,
		Exclude:             exclude,
	}
}

// Validate checks every configured gate.
func (g Gates) Validate() error {
	for phase, gate := range g {
		if err := phase.Validate(); err != nil {
			return err
		}
		if gate.DependencyThreshold != "" {
			if gate.DependencyThreshold.Rank() < 0 {
				return fmt.Errorf("gate %s: dependency threshold must be a lifecycle status, got %q",
					phase, gate.DependencyThreshold)
			}
		}
		if gate.Mode != "" {
			if err := gate.Mode.Validate(); err != nil {
				return fmt.Errorf("gate %s: %w", phase, err)
			}
		}
	}
	return nil
}
