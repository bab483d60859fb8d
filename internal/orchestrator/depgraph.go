package orchestrator

import (
	"fmt"
	"sort"
	"sync"
)

// depColor is used by DFS cycle detection (white/gray/black coloring).
type depColor int

const (
	white depColor = iota
	gray
	black
)

// node is the graph's per-task bookkeeping: only ids, never task pointers,
// per the spec's "weak references to tasks" ownership note.
type node struct {
	dependsOn map[TaskID]struct{}
	blocks    []TaskID // reverse edges: tasks that depend on this one
	completed bool
	failed    bool
}

// DependencyGraph tracks dependsOn/blocks edges between tasks and yields
// which pending tasks are ready to dispatch.
type DependencyGraph struct {
	mu    sync.Mutex
	nodes map[TaskID]*node
}

// NewDependencyGraph constructs an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[TaskID]*node)}
}

// Add registers a new task's dependency edges. It rejects a submission that
// would introduce a cycle, leaving the graph completely unchanged.
func (g *DependencyGraph) Add(id TaskID, dependsOn []TaskID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: task %s already present in graph", ErrValidation, id)
	}
	for _, d := range dependsOn {
		if _, ok := g.nodes[d]; !ok {
			return fmt.Errorf("%w: unknown dependency %s", ErrValidation, d)
		}
	}

	depSet := make(map[TaskID]struct{}, len(dependsOn))
	for _, d := range dependsOn {
		depSet[d] = struct{}{}
	}

	// Tentatively wire the node in, then DFS for a cycle; roll back if found.
	g.nodes[id] = &node{dependsOn: depSet}
	for d := range depSet {
		g.nodes[d].blocks = append(g.nodes[d].blocks, id)
	}

	if g.hasCycleLocked() {
		for d := range depSet {
			g.nodes[d].blocks = removeID(g.nodes[d].blocks, id)
		}
		delete(g.nodes, id)
		return fmt.Errorf("%w: %w", ErrValidation, ErrDependencyCycle)
	}
	return nil
}

func removeID(s []TaskID, id TaskID) []TaskID {
	out := s[:0]
	for _, x := range s {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// hasCycleLocked runs DFS white/gray/black coloring over the whole graph.
// Callers must hold g.mu.
func (g *DependencyGraph) hasCycleLocked() bool {
	colors := make(map[TaskID]depColor, len(g.nodes))
	for id := range g.nodes {
		colors[id] = white
	}
	var visit func(id TaskID) bool
	visit = func(id TaskID) bool {
		colors[id] = gray
		for dep := range g.nodes[id].dependsOn {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}
	for id, c := range colors {
		if c == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Ready returns the ids of every node that is not completed/failed and whose
// every dependency is completed, sorted by id. A node is reported again on
// each call until it is marked completed or failed. Priority ordering is the
// caller's (the scheduler's) job, since priority/createdAt live on Task, not
// on the graph's nodes.
func (g *DependencyGraph) Ready() []TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []TaskID
	for id, n := range g.nodes {
		if n.completed || n.failed {
			continue
		}
		ready := true
		for dep := range n.dependsOn {
			if !g.nodes[dep].completed {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkCompleted transitions id to completed and returns the ids of any
// dependents that are now newly ready as a result.
func (g *DependencyGraph) MarkCompleted(id TaskID) []TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	n.completed = true

	var newlyReady []TaskID
	for _, dependent := range n.blocks {
		dn := g.nodes[dependent]
		if dn == nil || dn.completed || dn.failed {
			continue
		}
		allDone := true
		for dep := range dn.dependsOn {
			if !g.nodes[dep].completed {
				allDone = false
				break
			}
		}
		if allDone {
			newlyReady = append(newlyReady, dependent)
		}
	}
	sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i] < newlyReady[j] })
	return newlyReady
}

// MarkFailed transitions id to failed. If cascade is true, every transitive
// dependent is marked failed too and returned as "blocked" (the caller
// applies the Task.Status = blocked transition with a synthetic
// DEPENDENCY_FAILED error); if cascade is false, dependents are left
// untouched (they remain pending forever until resolved externally).
func (g *DependencyGraph) MarkFailed(id TaskID, cascade bool) []TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	n.failed = true
	if !cascade {
		return nil
	}

	var blocked []TaskID
	var walk func(TaskID)
	visited := make(map[TaskID]struct{})
	walk = func(cur TaskID) {
		curNode := g.nodes[cur]
		if curNode == nil {
			return
		}
		for _, dependent := range curNode.blocks {
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}
			dn := g.nodes[dependent]
			if dn == nil || dn.completed || dn.failed {
				continue
			}
			dn.failed = true
			blocked = append(blocked, dependent)
			walk(dependent)
		}
	}
	walk(id)
	sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
	return blocked
}

// Remove deletes a node (e.g. after a cancelled-while-pending task, which
// never had edges from anything depending on it dispatched).
func (g *DependencyGraph) Remove(id TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for dep := range n.dependsOn {
		if dn, ok := g.nodes[dep]; ok {
			dn.blocks = removeID(dn.blocks, id)
		}
	}
	delete(g.nodes, id)
}
