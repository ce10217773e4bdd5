package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Classifier implements engine.Classifier with a Rego rule table. The built-in
// table can be overridden by operator modules in the specflow.overrides
// package.
type Classifier struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
	loader   *Loader
}

var _ engine.Classifier = (*Classifier)(nil)

// NewClassifier creates a classifier with the built-in rule table.
func NewClassifier(logger zerolog.Logger) (*Classifier, error) {
	c := &Classifier{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "drift-classifier").Logger(),
	}
	c.loader = NewLoader(c.logger)

	for _, p := range GetBuiltinPolicies() {
		p := p
		c.policies[p.Name] = &p
	}
	if err := c.prepare(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return c, nil
}

// Classify evaluates the rule table for traits.
func (c *Classifier) Classify(ctx context.Context, traits engine.Traits) (engine.Classification, error) {
	return c.Evaluate(ctx, ClassificationInput{Traits: traits})
}

// Evaluate evaluates the rule table for a full input document. The reported
// severity, if set, is never lowered.
func (c *Classifier) Evaluate(ctx context.Context, input ClassificationInput) (engine.Classification, error) {
	c.mu.RLock()
	query := c.query
	c.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return engine.Classification{}, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return engine.Classification{}, fmt.Errorf("classification rules produced no decision")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return engine.Classification{}, fmt.Errorf("failed to encode decision: %w", err)
	}
	var d decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return engine.Classification{}, fmt.Errorf("failed to decode decision: %w", err)
	}
	severity := engine.Severity(d.Severity)
	if err := severity.Validate(); err != nil {
		return engine.Classification{}, fmt.Errorf("rule %q: %w", d.Rule, err)
	}

	rule := d.Rule
	if input.Reported != "" && input.Reported.Rank() > severity.Rank() {
		severity = input.Reported
		rule = "reported"
	}
	return handling(severity, rule), nil
}

// ClassifyEvent sets the severity, rule and handling flags of e. A severity the
// executor already reported is kept if it is higher.
func (c *Classifier) ClassifyEvent(ctx context.Context, e *engine.DriftEvent) error {
	cl, err := c.Evaluate(ctx, ClassificationInput{
		Traits:   e.Traits,
		Category: e.Category,
		Items:    e.AffectedItems,
		Reported: e.Severity,
	})
	if err != nil {
		return err
	}
	e.Severity = cl.Severity
	e.Rule = cl.Rule
	e.AutoResolve = cl.AutoResolve
	e.Notify = cl.Notify
	return nil
}

// handling derives the resolution policy from the final severity: low and
// medium resolve automatically, medium additionally notifies.
func handling(severity engine.Severity, rule string) engine.Classification {
	return engine.Classification{
		Severity:    severity,
		Rule:        rule,
		AutoResolve: !severity.Halts(),
		Notify:      severity == engine.SeverityMedium,
	}
}

// LoadPolicies loads operator modules from files or directories and
// recompiles the rule table. Nothing changes if any module fails to compile.
func (c *Classifier) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := c.loader.Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return c.replaceOverrides(ctx, policies)
}

// Watch reloads operator modules when files under paths change. It returns
// once the watcher is running; cancelling ctx stops it. A change that does not
// load or compile leaves the current rules in place.
func (c *Classifier) Watch(ctx context.Context, paths []string) error {
	return c.loader.Watch(ctx, paths, func(policies []Policy) error {
		return c.replaceOverrides(ctx, policies)
	})
}

func (c *Classifier) replaceOverrides(ctx context.Context, policies []Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.policies
	next := make(map[string]*Policy, len(previous)+len(policies))
	for name, p := range previous {
		if p.Builtin {
			next[name] = p
		}
	}
	for i := range policies {
		p := policies[i]
		if existing, ok := next[p.Name]; ok && existing.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		next[p.Name] = &p
	}

	c.policies = next
	if err := c.prepareLocked(ctx); err != nil {
		c.policies = previous
		return err
	}

	c.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

func (c *Classifier) prepare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepareLocked(ctx)
}

// prepareLocked compiles every enabled policy into one prepared query.
func (c *Classifier) prepareLocked(ctx context.Context) error {
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for _, p := range c.sortedLocked() {
		if !p.Enabled {
			continue
		}
		if _, err := ast.ParseModuleWithOpts(p.Name, p.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		opts = append(opts, rego.Module(p.Name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}
	c.query = query

	c.logger.Debug().Int("policies", len(opts)-1).Msg("Classification rules compiled")
	return nil
}

func (c *Classifier) sortedLocked() []*Policy {
	out := make([]*Policy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListPolicies returns all loaded policies sorted by name.
func (c *Classifier) ListPolicies() []Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	policies := make([]Policy, 0, len(c.policies))
	for _, p := range c.sortedLocked() {
		policies = append(policies, *p)
	}
	return policies
}
