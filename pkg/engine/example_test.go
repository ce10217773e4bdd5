package engine_test

import (
	"fmt"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Example_readySets walks a small roadmap through implementation, completing
// every ready item in each round.
func Example_readySets() {
	g := engine.NewDependencyGraph()
	err := g.AddItems([]engine.WorkItem{
		{ID: "auth", Priority: 2},
		{ID: "profile", Dependencies: []string{"auth"}},
		{ID: "billing", Dependencies: []string{"auth", "ledger"}},
		{ID: "ledger"},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	gate := engine.ReadyGate{Target: engine.StatusCompleted, DependencyThreshold: engine.StatusCompleted}
	for round := 1; ; round++ {
		ready := g.ComputeReadySet(gate)
		if len(ready) == 0 {
			break
		}
		var ids []string
		for _, item := range ready {
			ids = append(ids, item.ID)
			item.PhaseStatus = engine.StatusCompleted
			_ = g.UpdateItem(item)
		}
		fmt.Println(round, ids)
	}

	// Output:
	// 1 [auth ledger]
	// 2 [profile billing]
}

// Example_cycleRejected shows that an edge closing a cycle is refused.
func Example_cycleRejected() {
	g := engine.NewDependencyGraph()
	_ = g.AddItems([]engine.WorkItem{
		{ID: "api"},
		{ID: "client", Dependencies: []string{"api"}},
	})

	err := g.AddDependency("api", "client")
	fmt.Println(engine.IsGraphError(err))
	fmt.Println(err)

	// Output:
	// true
	// [permanent] circular dependency detected: api -> client -> api (item=api)
}
