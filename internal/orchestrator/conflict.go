package orchestrator

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// globMatch reports whether path matches pattern using doublestar glob
// semantics (** for recursive segments). An invalid pattern never matches.
func globMatch(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// ConflictPair describes two tasks found to collide over a shared path.
type ConflictPair struct {
	PathA, PathB TaskID
	Path         string
	Kind         ConflictKind
}

// ConflictDetector indexes which tasks intend to touch which paths so the
// dispatch loop can tell, before assigning a task, whether it collides with
// work already in progress or already queued ahead of it.
//
// It mirrors the Lock Manager's bookkeeping rather than consulting it
// directly: a task can be "intending" to touch a path (queued, not yet
// dispatched) well before it ever acquires a lease.
type ConflictDetector struct {
	mu       sync.RWMutex
	strategy ConflictResolutionStrategy
	// byPath maps a file path to the set of task ids that have declared
	// intent to touch it and have not yet reached a terminal status.
	byPath map[string]map[TaskID]struct{}
	deps   map[TaskID]map[TaskID]struct{} // taskID -> its dependsOn set, for ConflictDependency classification
	// order records registration sequence, so a task only collides with
	// tasks registered before it.
	order   map[TaskID]uint64
	nextSeq uint64
}

// NewConflictDetector constructs a detector using the given resolution
// strategy. ConflictMerge is treated identically to ConflictQueue per the
// spec's explicit "out of scope, behave as queue" direction.
func NewConflictDetector(strategy ConflictResolutionStrategy) *ConflictDetector {
	return &ConflictDetector{
		strategy: strategy,
		byPath:   make(map[string]map[TaskID]struct{}),
		deps:     make(map[TaskID]map[TaskID]struct{}),
		order:    make(map[TaskID]uint64),
	}
}

// Register records a newly-submitted task's file intents and dependency
// set so later collisions against it can be classified.
func (c *ConflictDetector) Register(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range t.Files {
		set, ok := c.byPath[f]
		if !ok {
			set = make(map[TaskID]struct{})
			c.byPath[f] = set
		}
		set[t.ID] = struct{}{}
	}
	depCopy := make(map[TaskID]struct{}, len(t.Dependencies))
	for d := range t.Dependencies {
		depCopy[d] = struct{}{}
	}
	c.deps[t.ID] = depCopy
	c.nextSeq++
	c.order[t.ID] = c.nextSeq
}

// Forget removes a terminated task from the index; its paths stop
// colliding with later submissions.
func (c *ConflictDetector) Forget(id TaskID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, set := range c.byPath {
		delete(set, id)
		if len(set) == 0 {
			delete(c.byPath, path)
		}
	}
	delete(c.deps, id)
	delete(c.order, id)
}

// Conflicts returns every other still-registered task that was registered
// before t (or every one, if t itself is not registered yet) and shares a
// path with t, classified by ConflictKind.
func (c *ConflictDetector) Conflicts(t *Task) []ConflictPair {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mySeq, registered := c.order[t.ID]
	seen := make(map[TaskID]struct{})
	var out []ConflictPair
	for _, f := range t.Files {
		for other := range c.byPath[f] {
			if other == t.ID {
				continue
			}
			if _, dup := seen[other]; dup {
				continue
			}
			if registered && c.order[other] > mySeq {
				continue // queued behind t: it waits for t, not the reverse
			}
			seen[other] = struct{}{}
			kind := ConflictWriteWrite
			if _, dependsOnOther := c.deps[t.ID][other]; dependsOnOther {
				kind = ConflictDependency
			} else if _, otherDependsOnT := c.deps[other][t.ID]; otherDependsOnT {
				kind = ConflictDependency
			}
			out = append(out, ConflictPair{PathA: t.ID, PathB: other, Path: f, Kind: kind})
		}
	}
	return out
}

// HasConflict is a cheap boolean form of Conflicts, used by the dispatch
// loop's per-candidate check.
func (c *ConflictDetector) HasConflict(t *Task) bool {
	return len(c.Conflicts(t)) > 0
}

// Strategy returns the configured resolution strategy, normalizing merge to
// queue for callers that branch on behavior rather than on the literal
// configured value.
func (c *ConflictDetector) Strategy() ConflictResolutionStrategy {
	if c.strategy == ConflictMerge {
		return ConflictQueue
	}
	return c.strategy
}
