package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DependencyGraph is the derived view of work items and their dependency edges.
// It is rebuilt from the StateStore on startup and mutated only between batches.
type DependencyGraph struct {
	mu sync.RWMutex

	items map[string]*WorkItem
	// deps maps an item to the items it depends on.
	deps map[string][]string
	// dependents maps an item to the items that depend on it.
	dependents map[string][]string
	// order is the insertion order.
	order []string
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		items:      make(map[string]*WorkItem),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// BuildGraph rebuilds a graph from persisted item states in insertion order.
func BuildGraph(states []*ItemState) (*DependencyGraph, error) {
	items := make([]WorkItem, 0, len(states))
	for _, s := range states {
		items = append(items, s.Item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	g := NewDependencyGraph()
	if err := g.AddItems(items); err != nil {
		return nil, err
	}
	return g, nil
}

// AddItem adds a single item. The graph is left unmodified on error.
func (g *DependencyGraph) AddItem(item WorkItem) error {
	return g.AddItems([]WorkItem{item})
}

// AddItems adds a set of items atomically. Items in the set may depend on each
// other in any order. If any item is invalid or the additions would introduce a
// cycle, the graph is left unmodified and a GraphError is returned.
func (g *DependencyGraph) AddItems(items []WorkItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make(map[string]*WorkItem, len(items))
	for i := range items {
		item := items[i]
		if item.ID == "" {
			return NewGraphError(ErrCodeValidation, "work item ID cannot be empty")
		}
		if _, exists := g.items[item.ID]; exists {
			return NewGraphError(ErrCodeGraphDuplicate,
				fmt.Sprintf("duplicate work item ID: %s", item.ID)).WithItem(item.ID)
		}
		if _, exists := pending[item.ID]; exists {
			return NewGraphError(ErrCodeGraphDuplicate,
				fmt.Sprintf("duplicate work item ID: %s", item.ID)).WithItem(item.ID)
		}
		if item.PhaseStatus == "" {
			item.PhaseStatus = StatusDrafting
		}
		pending[item.ID] = &item
	}

	extra := make(map[string][]string, len(items))
	for _, item := range items {
		deps := dedupe(item.Dependencies)
		for _, dep := range deps {
			if dep == item.ID {
				return NewGraphError(ErrCodeGraphSelfRef,
					fmt.Sprintf("work item %s depends on itself", item.ID)).WithItem(item.ID)
			}
			_, existing := g.items[dep]
			_, added := pending[dep]
			if !existing && !added {
				return NewGraphError(ErrCodeGraphDangling,
					fmt.Sprintf("work item %s depends on non-existent item %s", item.ID, dep)).
					WithItem(item.ID)
			}
		}
		extra[item.ID] = deps
	}

	if cycle := g.findCycle(extra); cycle != nil {
		return NewGraphError(ErrCodeGraphCycle,
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)))
	}

	for _, item := range items {
		stored := pending[item.ID]
		stored.Dependencies = extra[item.ID]
		g.items[item.ID] = stored
		g.deps[item.ID] = extra[item.ID]
		g.order = append(g.order, item.ID)
	}
	for _, item := range items {
		for _, dep := range extra[item.ID] {
			g.dependents[dep] = append(g.dependents[dep], item.ID)
		}
	}
	return nil
}

// AddDependency adds an edge so that from depends on to. The edge is rejected
// if it would introduce a cycle.
func (g *DependencyGraph) AddDependency(from, to string) error {
	g.mu.RLock()
	current, ok := g.deps[from]
	g.mu.RUnlock()
	if !ok {
		return NewGraphError(ErrCodeNotFound, fmt.Sprintf("work item %s not found", from)).WithItem(from)
	}
	for _, d := range current {
		if d == to {
			return nil
		}
	}
	return g.SetDependencies(from, append(append([]string(nil), current...), to))
}

// SetDependencies replaces the dependency set of an existing item. The graph is
// left unmodified if the new edges are invalid or introduce a cycle.
func (g *DependencyGraph) SetDependencies(id string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[id]
	if !ok {
		return NewGraphError(ErrCodeNotFound, fmt.Sprintf("work item %s not found", id)).WithItem(id)
	}
	deps = dedupe(deps)
	for _, dep := range deps {
		if dep == id {
			return NewGraphError(ErrCodeGraphSelfRef,
				fmt.Sprintf("work item %s depends on itself", id)).WithItem(id)
		}
		if _, exists := g.items[dep]; !exists {
			return NewGraphError(ErrCodeGraphDangling,
				fmt.Sprintf("work item %s depends on non-existent item %s", id, dep)).WithItem(id)
		}
	}
	if cycle := g.findCycle(map[string][]string{id: deps}); cycle != nil {
		return NewGraphError(ErrCodeGraphCycle,
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle))).WithItem(id)
	}

	for _, old := range g.deps[id] {
		g.dependents[old] = remove(g.dependents[old], id)
	}
	g.deps[id] = deps
	item.Dependencies = deps
	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], id)
	}
	return nil
}

// UpdateItem refreshes the non-structural fields of a stored item (status,
// priority, flags). Dependency changes must go through SetDependencies.
func (g *DependencyGraph) UpdateItem(item WorkItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored, ok := g.items[item.ID]
	if !ok {
		return NewGraphError(ErrCodeNotFound, fmt.Sprintf("work item %s not found", item.ID)).WithItem(item.ID)
	}
	deps := stored.Dependencies
	*stored = item
	stored.Dependencies = deps
	return nil
}

// SetStatus updates the status view of a single item.
func (g *DependencyGraph) SetStatus(id string, status PhaseStatus) error {
	if err := status.Validate(); err != nil {
		return NewPermanentError("invalid status", err).WithCode(ErrCodeValidation).WithItem(id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[id]
	if !ok {
		return NewGraphError(ErrCodeNotFound, fmt.Sprintf("work item %s not found", id)).WithItem(id)
	}
	item.PhaseStatus = status
	return nil
}

// DetectCycle returns the first cycle found in the graph, or nil.
func (g *DependencyGraph) DetectCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycle(nil)
}

// findCycle runs a DFS over the current edges overlaid with extra. Callers must
// hold the lock.
func (g *DependencyGraph) findCycle(extra map[string][]string) []string {
	edges := func(id string) []string {
		if d, ok := extra[id]; ok {
			return d
		}
		return g.deps[id]
	}

	ids := append([]string(nil), g.order...)
	for id := range extra {
		if _, ok := g.items[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids[len(g.order):])

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range edges(id) {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if recStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		recStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ReadyGate selects which items are ready for a phase.
type ReadyGate struct {
	// Entry, when set, restricts the ready set to items whose effective status
	// equals it.
	Entry PhaseStatus

	// Target is the status the phase produces; items at or beyond it are done.
	Target PhaseStatus

	// DependencyThreshold is the status every dependency must have reached.
	DependencyThreshold PhaseStatus

	// Exclude removes items that are halted or already in flight.
	Exclude map[string]bool
}

// ComputeReadySet returns the items below the gate whose dependencies satisfy
// the gate threshold, ordered by descending priority then insertion order.
// Blocked and inactive items are never ready.
func (g *DependencyGraph) ComputeReadySet(gate ReadyGate) []WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := make([]WorkItem, 0)
	for _, id := range g.order {
		item := g.items[id]
		if item.Inactive || item.PhaseStatus == StatusBlocked || gate.Exclude[id] {
			continue
		}
		status := item.EffectiveStatus()
		if gate.Entry != "" && status != gate.Entry {
			continue
		}
		if status.Rank() < 0 || status.AtLeast(gate.Target) {
			continue
		}
		if g.depsSatisfied(id, gate.DependencyThreshold) {
			ready = append(ready, *item)
		}
	}

	g.sortByPriority(ready)
	return ready
}

func (g *DependencyGraph) depsSatisfied(id string, threshold PhaseStatus) bool {
	for _, dep := range g.deps[id] {
		d := g.items[dep]
		if d.Inactive {
			continue
		}
		if !d.EffectiveStatus().AtLeast(threshold) {
			return false
		}
	}
	return true
}

func (g *DependencyGraph) sortByPriority(items []WorkItem) {
	index := make(map[string]int, len(g.order))
	for i, id := range g.order {
		index[id] = i
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return index[items[i].ID] < index[items[j].ID]
	})
}

// TopologicalOrder returns active item IDs so that every item follows its
// dependencies. Among items whose dependencies are placed, higher priority and
// then earlier insertion comes first.
func (g *DependencyGraph) TopologicalOrder() []string {
	levels := g.Levels()
	order := make([]string, 0, len(g.order))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order
}

// Levels groups active items with Kahn's algorithm. Items in the same level
// have no dependencies on each other.
func (g *DependencyGraph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.items))
	for _, id := range g.order {
		if g.items[id].Inactive {
			continue
		}
		inDegree[id] = 0
		for _, dep := range g.deps[id] {
			if !g.items[dep].Inactive {
				inDegree[id]++
			}
		}
	}

	current := make([]WorkItem, 0)
	for _, id := range g.order {
		if deg, ok := inDegree[id]; ok && deg == 0 {
			current = append(current, *g.items[id])
		}
	}

	var levels [][]string
	for len(current) > 0 {
		g.sortByPriority(current)
		level := make([]string, 0, len(current))
		next := make([]WorkItem, 0)
		for _, item := range current {
			level = append(level, item.ID)
			for _, dependent := range g.dependents[item.ID] {
				if _, ok := inDegree[dependent]; !ok {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, *g.items[dependent])
				}
			}
		}
		levels = append(levels, level)
		current = next
	}
	return levels
}

// Dependents returns the transitive dependents of the given items, excluding
// the items themselves.
func (g *DependencyGraph) Dependents(ids []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	queue := append([]string(nil), ids...)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// Item returns a copy of the item with the given ID.
func (g *DependencyGraph) Item(id string) (WorkItem, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	item, ok := g.items[id]
	if !ok {
		return WorkItem{}, false
	}
	return *item, true
}

// Items returns copies of all items in insertion order.
func (g *DependencyGraph) Items() []WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]WorkItem, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.items[id])
	}
	return out
}

// Len returns the number of items in the graph.
func (g *DependencyGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	levels := g.Levels()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph Roadmap {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			item := g.items[id]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, item.PhaseStatus, statusColor(item.PhaseStatus)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		if g.items[id].Inactive {
			continue
		}
		for _, dep := range g.deps[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func statusColor(s PhaseStatus) string {
	switch s {
	case StatusCompleted:
		return "lightgreen"
	case StatusBlocked:
		return "lightcoral"
	case StatusNeedsRevision:
		return "lightyellow"
	case StatusInProgress, StatusTasked:
		return "lightblue"
	default:
		return "white"
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func remove(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
