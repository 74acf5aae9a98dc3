package topology

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// CycleError reports a dependency cycle with one deterministic witness path.
// The path starts and ends with the same stage.
type CycleError struct {
	Path []workflow.StageID
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "topology: cycle detected"
	}
	return fmt.Sprintf("topology: cycle detected: %s", strings.Join(workflow.StageStrings(e.Path), " -> "))
}

// graph indexes a DAG by canonical stage order so every traversal is
// deterministic. Dependencies on stages that are not nodes are ignored.
type graph struct {
	ids      []workflow.StageID
	index    map[workflow.StageID]int
	outgoing [][]int
	indeg    []int
}

func newGraph(dag workflow.DAG) *graph {
	ids := dag.IDs()
	g := &graph{
		ids:      ids,
		index:    make(map[workflow.StageID]int, len(ids)),
		outgoing: make([][]int, len(ids)),
		indeg:    make([]int, len(ids)),
	}
	for i, id := range ids {
		g.index[id] = i
	}
	for i, id := range ids {
		for _, dep := range dag[id].Deps {
			j, ok := g.index[dep]
			if !ok {
				continue
			}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.indeg[i]++
		}
	}
	// outgoing lists are built in ascending node order already
	return g
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// order runs Kahn's algorithm with a min-heap ready queue.
func (g *graph) order() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycle extracts one cycle with a DFS over canonical indices.
func (g *graph) cycle() []workflow.StageID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}
	var found []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back-edge u -> v closes v ... u -> v
				found = append(found, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					found = append(found, cur)
				}
				found = append(found, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(found) == 0 {
		return nil
	}
	out := make([]workflow.StageID, 0, len(found))
	for i := len(found) - 1; i >= 0; i-- {
		out = append(out, g.ids[found[i]])
	}
	return out
}

// TopologicalSort orders the graph so every stage follows its dependencies.
// Ties are broken by canonical stage order. A residual cycle yields a
// *CycleError.
func TopologicalSort(dag workflow.DAG) ([]workflow.StageID, error) {
	g := newGraph(dag)
	order := g.order()
	if len(order) != len(g.ids) {
		return nil, &CycleError{Path: g.cycle()}
	}
	out := make([]workflow.StageID, len(order))
	for i, idx := range order {
		out[i] = g.ids[idx]
	}
	return out, nil
}

// ReadyStages returns pending stages whose every dependency is completed or
// skipped, in canonical order. Stages without a status entry count as
// pending; dependencies without one count as unfinished.
func ReadyStages(dag workflow.DAG, status map[workflow.StageID]workflow.StageStatus) []workflow.StageID {
	var ready []workflow.StageID
	for _, id := range dag.IDs() {
		if current, ok := status[id]; ok && current != workflow.StatusPending {
			continue
		}
		if blockers := Blockers(dag, status, id); len(blockers) == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// Blockers lists the dependencies of id that are not yet done.
func Blockers(dag workflow.DAG, status map[workflow.StageID]workflow.StageStatus, id workflow.StageID) []workflow.StageID {
	node, ok := dag[id]
	if !ok || len(node.Deps) == 0 {
		return nil
	}
	var blockers []workflow.StageID
	for _, dep := range node.Deps {
		if !status[dep].Done() {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}

// Descendants returns every stage that transitively depends on id, in
// canonical order. id itself is excluded.
func Descendants(dag workflow.DAG, id workflow.StageID) []workflow.StageID {
	seen := map[workflow.StageID]bool{id: true}
	queue := []workflow.StageID{id}
	var out []workflow.StageID
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range dag.Dependents(current) {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	workflow.SortStageIDs(out)
	return out
}

// Ancestors returns every stage id transitively depends on, in canonical order.
func Ancestors(dag workflow.DAG, id workflow.StageID) []workflow.StageID {
	seen := map[workflow.StageID]bool{id: true}
	stack := []workflow.StageID{id}
	var out []workflow.StageID
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range dag[current].Deps {
			if seen[dep] || !dag.Has(dep) {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			stack = append(stack, dep)
		}
	}
	workflow.SortStageIDs(out)
	return out
}
