package orchestrator

import (
	"testing"
	"time"
)

func TestLockManagerAllOrNothing(t *testing.T) {
	lm := NewLockManager()
	r := lm.Acquire([]string{"a", "b"}, "t1", "w1", LockModeWrite, time.Minute)
	if !r.Granted {
		t.Fatalf("expected grant, got conflicts %v", r.ConflictingPaths)
	}

	r2 := lm.Acquire([]string{"b", "c"}, "t2", "w1", LockModeWrite, time.Minute)
	if r2.Granted {
		t.Fatalf("expected conflict on path b")
	}
	if len(r2.ConflictingPaths) != 1 || r2.ConflictingPaths[0] != "b" {
		t.Fatalf("expected conflicting path [b], got %v", r2.ConflictingPaths)
	}
	// "c" must not have been granted since acquisition is all-or-nothing.
	r3 := lm.Acquire([]string{"c"}, "t3", "w1", LockModeWrite, time.Minute)
	if !r3.Granted {
		t.Fatalf("c should have been free since t2's acquisition failed atomically")
	}
}

func TestLockManagerWriteBlockedByReadLock(t *testing.T) {
	lm := NewLockManager()
	r1 := lm.Acquire([]string{"a"}, "t1", "w1", LockModeRead, time.Minute)
	if !r1.Granted {
		t.Fatalf("expected read grant")
	}
	r2 := lm.Acquire([]string{"a"}, "t2", "w2", LockModeWrite, time.Minute)
	if r2.Granted {
		t.Fatalf("write must not be granted while a read lock is held")
	}
}

func TestLockManagerReleaseIdempotent(t *testing.T) {
	lm := NewLockManager()
	lm.Acquire([]string{"a"}, "t1", "w1", LockModeWrite, time.Minute)
	lm.Release([]string{"a"}, "t1")
	lm.Release([]string{"a"}, "t1") // must not panic or error
	r := lm.Acquire([]string{"a"}, "t2", "w2", LockModeWrite, time.Minute)
	if !r.Granted {
		t.Fatalf("expected a to be free after release")
	}
}

func TestLockManagerSweepExpires(t *testing.T) {
	lm := NewLockManager()
	lm.Acquire([]string{"a"}, "t1", "w1", LockModeWrite, -time.Second) // already-expired lease
	expired := lm.Sweep(time.Now())
	if len(expired) != 1 || expired[0].Path != "a" {
		t.Fatalf("expected sweep to expire path a, got %v", expired)
	}
	r := lm.Acquire([]string{"a"}, "t2", "w2", LockModeWrite, time.Minute)
	if !r.Granted {
		t.Fatalf("expected a to be free after sweep")
	}
}
