package roadmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Roadmap is a list of work items as written by the operator.
type Roadmap struct {
	Version int               `json:"version" yaml:"version"`
	Items   []engine.WorkItem `json:"items" yaml:"items" validate:"required,min=1,dive"`

	// Source is the file the roadmap was read from.
	Source string `json:"-" yaml:"-"`
}

// IDs returns the item IDs in file order.
func (r *Roadmap) IDs() []string {
	out := make([]string, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.ID
	}
	return out
}

// Parser reads roadmap files. YAML files are decoded with yaml.v3; CUE and
// JSON files are evaluated with CUE.
type Parser struct {
	validate *validator.Validate
}

// NewParser creates a roadmap parser.
func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// Load reads and validates the roadmap at path.
func (p *Parser) Load(path string) (*Roadmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roadmap: %w", err)
	}
	rm, err := p.Parse(path, data)
	if err != nil {
		return nil, err
	}
	rm.Source = path
	return rm, nil
}

// Parse decodes data using the format implied by name's extension.
func (p *Parser) Parse(name string, data []byte) (*Roadmap, error) {
	var rm Roadmap
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rm); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	case ".cue", ".json":
		v := cuecontext.New().CompileBytes(data, cue.Filename(name))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", name, err)
		}
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid roadmap %s: %w", name, err)
		}
		if err := v.Decode(&rm); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported roadmap format: %s", ext)
	}

	if err := p.Validate(&rm); err != nil {
		return nil, fmt.Errorf("invalid roadmap %s: %w", name, err)
	}
	Relate(rm.Items)
	return &rm, nil
}

// Validate checks field constraints and ID uniqueness. Dependency structure
// is checked when the items are added to a DependencyGraph.
func (p *Parser) Validate(rm *Roadmap) error {
	if err := p.validate.Struct(rm); err != nil {
		return err
	}
	seen := make(map[string]bool, len(rm.Items))
	for _, it := range rm.Items {
		if seen[it.ID] {
			return engine.NewGraphError(engine.ErrCodeGraphDuplicate,
				fmt.Sprintf("work item %s is declared twice", it.ID)).WithItem(it.ID)
		}
		seen[it.ID] = true
		if it.PhaseStatus != "" {
			if err := it.PhaseStatus.Validate(); err != nil {
				return fmt.Errorf("item %s: %w", it.ID, err)
			}
			// Progress is only ever made through execution records.
			if it.PhaseStatus != engine.StatusDrafting {
				return fmt.Errorf("item %s: phase_status %s cannot be set by a roadmap, items start %s",
					it.ID, it.PhaseStatus, engine.StatusDrafting)
			}
		}
	}
	return nil
}

// Relate fills RelatedItems with every other item sharing a tag. Explicit
// relations are kept.
func Relate(items []engine.WorkItem) {
	byTag := make(map[string][]string)
	for _, it := range items {
		for _, tag := range it.Tags {
			byTag[tag] = append(byTag[tag], it.ID)
		}
	}
	for i := range items {
		it := &items[i]
		related := make(map[string]bool, len(it.RelatedItems))
		for _, id := range it.RelatedItems {
			related[id] = true
		}
		for _, tag := range it.Tags {
			for _, id := range byTag[tag] {
				if id != it.ID {
					related[id] = true
				}
			}
		}
		if len(related) == 0 {
			continue
		}
		out := make([]string, 0, len(related))
		for id := range related {
			out = append(out, id)
		}
		sort.Strings(out)
		it.RelatedItems = out
	}
}
