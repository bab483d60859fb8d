package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// LockManager grants, releases and expires per-path exclusive (or shared
// read) leases. Acquisition across a set of paths is atomic: either every
// path is granted or none are, so no caller can deadlock by holding a
// partial set of locks while waiting on another.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewLockManager constructs an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*Lock)}
}

// AcquireResult reports the outcome of an all-or-nothing acquisition.
type AcquireResult struct {
	Granted          bool
	ConflictingPaths []string
}

// Acquire attempts to grant mode-leases on every path for (taskID, workerID)
// atomically. On any conflicting path the call grants nothing and returns
// the full set of paths that blocked it.
func (lm *LockManager) Acquire(paths []string, taskID TaskID, workerID WorkerID, mode LockMode, leaseDuration time.Duration) AcquireResult {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	// Sort to keep a deterministic conflict-check order; this doesn't by
	// itself prevent deadlock (acquisition is all-or-nothing, so there's no
	// incremental hold-and-wait to order in the first place) but it does
	// make ConflictingPaths stable for callers/tests.
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	now := time.Now()
	var conflicts []string
	for _, p := range sorted {
		existing, held := lm.locks[p]
		if !held {
			continue
		}
		if existing.ExpiresAt.Before(now) || existing.ExpiresAt.Equal(now) {
			continue // expired lock behaves as absent; sweep will clear it
		}
		if existing.TaskID == taskID {
			continue // already ours
		}
		if mode == LockModeWrite || existing.Mode == LockModeWrite {
			conflicts = append(conflicts, p)
		}
	}

	meter := otel.Meter("agentorchestrator")
	if len(conflicts) > 0 {
		counter, _ := meter.Int64Counter("agentorch_lock_conflicts_total")
		counter.Add(context.Background(), 1)
		return AcquireResult{Granted: false, ConflictingPaths: conflicts}
	}

	expiresAt := now.Add(leaseDuration)
	for _, p := range sorted {
		lm.locks[p] = &Lock{
			Path:       p,
			TaskID:     taskID,
			WorkerID:   workerID,
			Mode:       mode,
			AcquiredAt: now,
			ExpiresAt:  expiresAt,
		}
	}
	counter, _ := meter.Int64Counter("agentorch_lock_grants_total")
	counter.Add(context.Background(), 1)
	return AcquireResult{Granted: true}
}

// Release drops every lock in paths owned by taskID. Idempotent: releasing
// locks already gone, or owned by a different task, is a silent no-op for
// that path.
func (lm *LockManager) Release(paths []string, taskID TaskID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, p := range paths {
		if existing, ok := lm.locks[p]; ok && existing.TaskID == taskID {
			delete(lm.locks, p)
		}
	}
}

// ReleaseAll drops every lock owned by taskID regardless of path, used on
// task termination when the exact path set at acquisition time may not be
// at hand.
func (lm *LockManager) ReleaseAll(taskID TaskID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for p, l := range lm.locks {
		if l.TaskID == taskID {
			delete(lm.locks, p)
		}
	}
}

// Sweep removes every lock whose lease has expired as of now and returns
// the paths/tasks affected, so the caller can emit lock_expired events.
func (lm *LockManager) Sweep(now time.Time) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var expired []Lock
	for p, l := range lm.locks {
		if !l.ExpiresAt.After(now) {
			expired = append(expired, *l)
			delete(lm.locks, p)
		}
	}
	if len(expired) > 0 {
		meter := otel.Meter("agentorchestrator")
		counter, _ := meter.Int64Counter("agentorch_lock_expirations_total")
		counter.Add(context.Background(), int64(len(expired)))
	}
	return expired
}

// HeldBy returns the paths currently locked by taskID, for WorkerState
// snapshots.
func (lm *LockManager) HeldBy(taskID TaskID) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var out []string
	for p, l := range lm.locks {
		if l.TaskID == taskID {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every currently-held lock, for diagnostics.
func (lm *LockManager) Snapshot() []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]Lock, 0, len(lm.locks))
	for _, l := range lm.locks {
		out = append(out, *l)
	}
	return out
}
