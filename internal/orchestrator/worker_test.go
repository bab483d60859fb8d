package orchestrator

import (
	"context"
	"testing"
	"time"
)

type fakeExecutor struct {
	fn func(ctx context.Context, t *Task) (TaskResult, error)
}

func (f fakeExecutor) Execute(ctx context.Context, t *Task) (TaskResult, error) {
	return f.fn(ctx, t)
}

func newTestWorker(t *testing.T, cap Capability, exec Executor) *BaseWorker {
	t.Helper()
	locks := NewLockManager()
	retry := NewRetryEngine(testRetryConfig())
	return NewBaseWorker("test-worker", cap, locks, retry, exec)
}

func codeCapability() Capability {
	return Capability{
		Name:               "code",
		FilePatterns:       []string{"**"},
		TaskTypes:          map[TaskType]struct{}{TaskTypeCode: {}},
		MaxConcurrentTasks: 4,
	}
}

func TestBaseWorkerRunTaskSuccess(t *testing.T) {
	w := newTestWorker(t, codeCapability(), fakeExecutor{fn: func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{Status: ResultSuccess, FilesModified: task.Files}, nil
	}})

	task := NewTask(TaskDraft{Type: TaskTypeCode, Priority: PriorityHigh, Files: []string{"a.go"}}, nil)
	result, err := w.RunTask(context.Background(), task, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ResultSuccess {
		t.Fatalf("expected success status, got %v", result.Status)
	}
	if w.InFlight() != 0 {
		t.Fatalf("expected worker to be free after task completion")
	}
	if w.Status() != WorkerIdle {
		t.Fatalf("expected worker idle after completion, got %v", w.Status())
	}
}

func TestBaseWorkerRunTaskIncompatible(t *testing.T) {
	w := newTestWorker(t, codeCapability(), fakeExecutor{fn: func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{Status: ResultSuccess}, nil
	}})

	task := NewTask(TaskDraft{Type: TaskTypeDocs, Priority: PriorityLow, Files: []string{"a.md"}}, nil)
	_, err := w.RunTask(context.Background(), task, time.Minute)
	if Code(err) != ErrCodeIncompatible {
		t.Fatalf("expected INCOMPATIBLE, got %v", err)
	}
}

func TestBaseWorkerRunTaskReleasesLocksOnFailure(t *testing.T) {
	locks := NewLockManager()
	retry := NewRetryEngine(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, RetryableErrorCodes: []ErrorCode{"*"}})
	w := NewBaseWorker("w", codeCapability(), locks, retry, fakeExecutor{fn: func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{}, NewCodedError(ErrCodePermissionDenied, nil)
	}})

	task := NewTask(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a.go"}}, nil)
	_, err := w.RunTask(context.Background(), task, time.Minute)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if len(locks.Snapshot()) != 0 {
		t.Fatalf("expected locks released after failure, got %v", locks.Snapshot())
	}
}

func TestBaseWorkerRunTaskLockConflict(t *testing.T) {
	locks := NewLockManager()
	retry := NewRetryEngine(testRetryConfig())
	w := NewBaseWorker("w", codeCapability(), locks, retry, fakeExecutor{fn: func(ctx context.Context, task *Task) (TaskResult, error) {
		return TaskResult{Status: ResultSuccess}, nil
	}})

	locks.Acquire([]string{"a.go"}, "other-task", "other-worker", LockModeWrite, time.Minute)

	task := NewTask(TaskDraft{Type: TaskTypeCode, Priority: PriorityMedium, Files: []string{"a.go"}}, nil)
	_, err := w.RunTask(context.Background(), task, time.Minute)
	if Code(err) != ErrCodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}
