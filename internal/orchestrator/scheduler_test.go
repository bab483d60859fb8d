package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T, locks *LockManager, workers []Worker, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = 8
	}
	if cfg.TaskQueueSize == 0 {
		cfg.TaskQueueSize = 100
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.LeaseSweepInterval == 0 {
		cfg.LeaseSweepInterval = time.Hour
	}
	if cfg.EventRingSize == 0 {
		cfg.EventRingSize = 256
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.BaseDelay == 0 {
		cfg.RetryConfig = testRetryConfig()
	}
	o := New(cfg, locks, workers, nil, nil)
	t.Cleanup(func() { o.Shutdown(2 * time.Second) })
	return o
}

func newWorkerWithExec(name string, locks *LockManager, cap Capability, fn func(ctx context.Context, t *Task) (TaskResult, error)) Worker {
	retry := NewRetryEngine(testRetryConfig())
	return &CodeWorker{BaseWorker: NewBaseWorker(name, cap, locks, retry, fakeExecutor{fn: fn})}
}

func waitForStatus(t *testing.T, o *Orchestrator, id TaskID, want TaskStatus, timeout time.Duration) Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := o.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := o.Status(id)
	t.Fatalf("timed out waiting for %s to reach %s, last status %s", id, want, task.Status)
	return Task{}
}

// S1 — Simple happy path.
func TestScenarioSimpleHappyPath(t *testing.T) {
	locks := NewLockManager()
	w := newWorkerWithExec("code", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{Status: ResultSuccess, FilesModified: task.Files}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{})
	sub := o.Subscribe(EventFilter{})
	defer sub.Unsubscribe()

	id, err := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityHigh, Files: []string{"a.ts"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, o, id, TaskStatusCompleted, 2*time.Second)

	var types []EventType
	deadline := time.Now().Add(time.Second)
	for len(types) < 3 && time.Now().Before(deadline) {
		select {
		case e := <-sub.Events():
			types = append(types, e.Type)
		case <-time.After(100 * time.Millisecond):
		}
	}
	if len(types) < 3 || types[0] != EventTaskCreated || types[1] != EventTaskAssigned || types[2] != EventTaskCompleted {
		t.Fatalf("expected created/assigned/completed event sequence, got %v", types)
	}
}

// S2 — Dependency chain.
func TestScenarioDependencyChain(t *testing.T) {
	locks := NewLockManager()
	w := newWorkerWithExec("code", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{Status: ResultSuccess}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{})

	t1, err := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a"}})
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	t2, err := o.SubmitWithDependencies(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"b"}}, []TaskID{t1})
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}

	waitForStatus(t, o, t1, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, t2, TaskStatusCompleted, 2*time.Second)
}

// S3 — File conflict under queue.
func TestScenarioFileConflictQueue(t *testing.T) {
	locks := NewLockManager()
	release := make(chan struct{})
	started := make(chan TaskID, 2)
	w1 := newWorkerWithExec("w1", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		started <- task.ID
		<-release
		return TaskResult{Status: ResultSuccess}, nil
	})
	w2 := newWorkerWithExec("w2", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		started <- task.ID
		<-release
		return TaskResult{Status: ResultSuccess}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w1, w2}, Config{})

	t1, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"shared"}})
	t2, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"shared"}})

	var firstStarted TaskID
	select {
	case firstStarted = <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first dispatch")
	}
	if firstStarted != t1 && firstStarted != t2 {
		t.Fatalf("unexpected first-started id %v", firstStarted)
	}

	// The other one must remain pending while the first holds the lease.
	time.Sleep(200 * time.Millisecond)
	other := t2
	if firstStarted == t2 {
		other = t1
	}
	status, err := o.Status(other)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != TaskStatusPending {
		t.Fatalf("expected %s to remain pending while shared file is locked, got %s", other, status.Status)
	}

	close(release)
	waitForStatus(t, o, t1, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, t2, TaskStatusCompleted, 2*time.Second)
}

// S4 — Retryable failure succeeding on the third attempt.
func TestScenarioRetryableFailureThenSuccess(t *testing.T) {
	locks := NewLockManager()
	attempts := 0
	w := newWorkerWithExec("code", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		attempts++
		if attempts < 3 {
			return TaskResult{}, NewCodedError(ErrCodeTimeout, nil)
		}
		return TaskResult{Status: ResultSuccess}, nil
	})
	cfg := Config{RetryConfig: RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffMultiplier: 2, RetryableErrorCodes: []ErrorCode{"*"}}}
	o := newTestOrchestrator(t, locks, []Worker{w}, cfg)

	id, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a"}})
	waitForStatus(t, o, id, TaskStatusCompleted, 2*time.Second)
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

// S5 — Non-retryable failure with cascade.
func TestScenarioNonRetryableFailureCascades(t *testing.T) {
	locks := NewLockManager()
	w := newWorkerWithExec("code", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		if len(task.Dependencies) == 0 {
			return TaskResult{}, NewCodedError(ErrCodePermissionDenied, nil)
		}
		return TaskResult{Status: ResultSuccess}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{CascadeOnFailure: true})

	t1, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a"}})
	t2, _ := o.SubmitWithDependencies(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"b"}}, []TaskID{t1})

	waitForStatus(t, o, t1, TaskStatusFailed, 2*time.Second)
	waitForStatus(t, o, t2, TaskStatusBlocked, 2*time.Second)
}

// S6 — Cancel in-flight.
func TestScenarioCancelInFlight(t *testing.T) {
	locks := NewLockManager()
	inExecute := make(chan struct{})
	w := newWorkerWithExec("code", locks, codeCapability(), func(ctx context.Context, task *Task) (TaskResult, error) {
		close(inExecute)
		<-ctx.Done()
		return TaskResult{}, NewCodedError(ErrCodeCancelled, ctx.Err())
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{})

	id, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a"}})
	select {
	case <-inExecute:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for task to start executing")
	}

	if err := o.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForStatus(t, o, id, TaskStatusFailed, 2*time.Second)
}

// S7 — A single-slot worker must never run two tasks at once, even when two
// unrelated (non-file-conflicting) tasks become ready in the same dispatch
// pass. This exercises the scheduler's synchronous worker-slot reservation
// at selection time rather than the lazy in-RunTask bookkeeping.
func TestScenarioSingleSlotWorkerNeverOverlaps(t *testing.T) {
	locks := NewLockManager()
	cap := Capability{
		Name:               "code",
		FilePatterns:       []string{"**"},
		TaskTypes:          map[TaskType]struct{}{TaskTypeCode: {}},
		MaxConcurrentTasks: 1,
	}

	var mu sync.Mutex
	inFlight := 0
	maxObserved := 0
	w := newWorkerWithExec("solo", locks, cap, func(ctx context.Context, task *Task) (TaskResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxObserved {
			maxObserved = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return TaskResult{Status: ResultSuccess}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{})

	t1, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a"}})
	t2, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"b"}})

	waitForStatus(t, o, t1, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, t2, TaskStatusCompleted, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 1 {
		t.Fatalf("expected single-slot worker to never run more than 1 task concurrently, observed %d", maxObserved)
	}
}

// S8 — Priority stratification: among several ready tasks contending for one
// worker slot, higher-priority tasks are dispatched before lower-priority
// ones regardless of submission order.
func TestScenarioPriorityStratification(t *testing.T) {
	locks := NewLockManager()
	cap := Capability{
		Name:               "code",
		FilePatterns:       []string{"**"},
		TaskTypes:          map[TaskType]struct{}{TaskTypeCode: {}},
		MaxConcurrentTasks: 1,
	}

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	var once sync.Once
	w := newWorkerWithExec("solo", locks, cap, func(ctx context.Context, task *Task) (TaskResult, error) {
		mu.Lock()
		order = append(order, string(task.ID))
		first := len(order) == 1
		mu.Unlock()
		if first {
			// Hold the only slot until every other task has been submitted and
			// is sitting ready, so the scheduler must rank them by priority.
			<-release
		}
		return TaskResult{Status: ResultSuccess}, nil
	})
	o := newTestOrchestrator(t, locks, []Worker{w}, Config{})

	blocker, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityLow, Files: []string{"blocker"}})
	waitForStatus(t, o, blocker, TaskStatusInProgress, 2*time.Second)

	low, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityLow, Files: []string{"low"}})
	high, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityHigh, Files: []string{"high"}})
	medium, _ := o.Submit(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"medium"}})

	time.Sleep(100 * time.Millisecond) // let all three land in the ready set before releasing the blocker
	once.Do(func() { close(release) })

	waitForStatus(t, o, blocker, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, high, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, medium, TaskStatusCompleted, 2*time.Second)
	waitForStatus(t, o, low, TaskStatusCompleted, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("expected 4 executions recorded, got %d: %v", len(order), order)
	}
	wantOrder := []string{string(blocker), string(high), string(medium), string(low)}
	for i, id := range wantOrder {
		if order[i] != id {
			t.Fatalf("expected dispatch order %v, got %v", wantOrder, order)
		}
	}
}
