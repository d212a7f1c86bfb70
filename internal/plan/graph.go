package plan

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the task graph store for one plan. It owns all tasks (callers
// only ever see copies) and enforces the DAG invariant on every mutation.
// Reads are safe at any time; the only mutating operation is the atomic
// commit performed by InsertAccepted, so readers observe either the
// pre-commit or post-commit graph, never an intermediate state.
type Graph struct {
	mu      sync.RWMutex
	planID  string
	version int64
	tasks   map[TaskID]*Task
}

// NewGraph builds a graph from the given tasks and validates every
// invariant: well-formed IDs, unique IDs, dependencies that resolve, and
// acyclicity.
func NewGraph(planID string, tasks []Task) (*Graph, error) {
	g := &Graph{
		planID: planID,
		tasks:  make(map[TaskID]*Task, len(tasks)),
	}
	for i := range tasks {
		t := tasks[i].Clone()
		if err := validateTask(t); err != nil {
			return nil, err
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task ID %s", t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on nonexistent task %s", t.ID, dep)
			}
		}
	}
	if cyc := findCycle(g.tasks); cyc != nil {
		return nil, cyc
	}
	return g, nil
}

// PlanID returns the owning plan's identifier.
func (g *Graph) PlanID() string { return g.planID }

// Version returns the commit counter. It increments on every committed
// insertion and backs optimistic concurrency at the persistence layer.
func (g *Graph) Version() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Task returns a copy of the task with the given ID.
func (g *Graph) Task(id TaskID) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t.Clone(), true
}

// Snapshot returns copies of all tasks sorted by ordinal ID.
func (g *Graph) Snapshot() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

// TopoOrder returns all tasks in topological order, breaking ties by
// ordinal ID so the sequence is deterministic for a given graph snapshot.
func (g *Graph) TopoOrder() ([]Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, err := topoOrder(g.tasks)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(order))
	for _, id := range order {
		out = append(out, *g.tasks[id].Clone())
	}
	return out, nil
}

// topoOrder runs Kahn's algorithm with an ordinal-ID tie-break.
func topoOrder(tasks map[TaskID]*Task) ([]TaskID, error) {
	indeg := make(map[TaskID]int, len(tasks))
	dependents := make(map[TaskID][]TaskID, len(tasks))
	for id, t := range tasks {
		indeg[id] += 0
		for _, dep := range t.DependsOn {
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []TaskID
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]TaskID, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return CompareIDs(ready[i], ready[j]) < 0 })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) < len(tasks) {
		return nil, findCycle(tasks)
	}
	return order, nil
}

// findCycle reports a CycleError for the given task set, or nil if the
// set is acyclic. It reruns Kahn's removal and then walks the residual
// nodes to name one offending edge.
func findCycle(tasks map[TaskID]*Task) *CycleError {
	indeg := make(map[TaskID]int, len(tasks))
	dependents := make(map[TaskID][]TaskID, len(tasks))
	for id, t := range tasks {
		indeg[id] += 0
		for _, dep := range t.DependsOn {
			indeg[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]TaskID, 0, len(tasks))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	removed := 0
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		removed++
		for _, dep := range dependents[next] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if removed == len(tasks) {
		return nil
	}

	// Residual nodes all sit on or feed a cycle. Name the first residual
	// edge in ordinal order so the error is stable.
	var residual []TaskID
	for id, d := range indeg {
		if d > 0 {
			residual = append(residual, id)
		}
	}
	sort.Slice(residual, func(i, j int) bool { return CompareIDs(residual[i], residual[j]) < 0 })
	for _, id := range residual {
		for _, dep := range tasks[id].DependsOn {
			if indeg[dep] > 0 {
				return &CycleError{From: id, To: dep}
			}
		}
	}
	return &CycleError{}
}
