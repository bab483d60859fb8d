package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentorchestrator/internal/core/resilience"
)

// Executor is the one method concrete worker archetypes must supply; every
// other piece of the envelope around it (capability checks, lease
// acquisition, retry, bookkeeping) is identical across archetypes and lives
// in BaseWorker.
type Executor interface {
	Execute(ctx context.Context, t *Task) (TaskResult, error)
}

// Worker is what the scheduler depends on: capability introspection, a
// message inbox, graceful shutdown, and execution. Concrete archetypes
// embed BaseWorker and supply their own Executor.
type Worker interface {
	ID() WorkerID
	Capabilities() Capability
	Status() WorkerStatus
	Enqueue(ctx context.Context, msg Message) error
	Shutdown(ctx context.Context) error
	State() WorkerState
}

// BaseWorker is the shared envelope described by the spec's seven-step
// assign/execute/complete protocol. Concrete workers embed it and supply an
// Executor; BaseWorker itself never executes task-specific logic.
type BaseWorker struct {
	id   WorkerID
	name string
	cap  Capability

	locks   *LockManager
	retry   *RetryEngine
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer

	mu           sync.Mutex
	status       WorkerStatus
	currentTasks map[TaskID]struct{}
	tasksDone    int64
	totalDur     time.Duration
	successes    int64

	inbox    chan Message
	executor Executor
}

// NewBaseWorker constructs the shared envelope around executor, gated by its
// own adaptive circuit breaker so a consistently-failing worker stops being
// offered new work without tripping the whole scheduler.
func NewBaseWorker(name string, cap Capability, locks *LockManager, retry *RetryEngine, executor Executor) *BaseWorker {
	return &BaseWorker{
		id:           NewWorkerID(),
		name:         name,
		cap:          cap,
		locks:        locks,
		retry:        retry,
		breaker:      resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 15*time.Second, 2),
		tracer:       otel.Tracer("agentorchestrator"),
		status:       WorkerIdle,
		currentTasks: make(map[TaskID]struct{}),
		inbox:        make(chan Message, 64),
		executor:     executor,
	}
}

func (w *BaseWorker) ID() WorkerID             { return w.id }
func (w *BaseWorker) Capabilities() Capability { return w.cap }

// baseWorkerAccessor lets the scheduler recover the shared envelope from any
// concrete archetype embedding *BaseWorker, without widening the public
// Worker interface every archetype already satisfies.
type baseWorkerAccessor interface {
	envelope() *BaseWorker
}

func (w *BaseWorker) envelope() *BaseWorker { return w }

func (w *BaseWorker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Available reports whether the circuit breaker is currently allowing new
// work and the worker is under its concurrency ceiling — the scheduler
// consults this before offering a candidate worker a task.
func (w *BaseWorker) Available() bool {
	w.mu.Lock()
	inFlight := len(w.currentTasks)
	w.mu.Unlock()
	return w.breaker.Allow() && inFlight < w.cap.MaxConcurrentTasks
}

// InFlight returns the number of tasks currently assigned, used by the
// scheduler's fewest-in-flight tie-break.
func (w *BaseWorker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.currentTasks)
}

// AverageDuration returns the rolling average execution duration, used by
// the scheduler's tie-break among equally-loaded workers.
func (w *BaseWorker) AverageDuration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tasksDone == 0 {
		return 0
	}
	return w.totalDur / time.Duration(w.tasksDone)
}

// Enqueue implements the worker's message inbox. The scheduler enqueues the
// assign Message synchronously before handing the task to RunTask; RunTask
// drains it right after its capability check and uses its Timestamp to report assign-to-
// start latency. Reply messages (complete/error/conflict) are not routed
// through the inbox — they go out over the scheduler's Transport instead,
// since they are addressed to whoever is listening on the bus, not back to
// this worker.
func (w *BaseWorker) Enqueue(ctx context.Context, msg Message) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reserve atomically claims a concurrency slot for t if the worker has spare
// capacity, without waiting for RunTask to actually start. The scheduler
// calls this synchronously while selecting a worker so that two tasks
// dispatched in the same pass can never both land on a single-slot worker
// before either's RunTask goroutine has run — Available()/InFlight() alone
// are a peek, not a claim, and peeking then dispatching asynchronously is
// exactly the race this closes. RunTask's own reserve of t is idempotent
// against this (same map key), so direct RunTask callers that never go
// through Reserve are unaffected.
func (w *BaseWorker) Reserve(t *Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, already := w.currentTasks[t.ID]; already {
		return true
	}
	if !w.breaker.Allow() {
		return false
	}
	if len(w.currentTasks) >= w.cap.MaxConcurrentTasks {
		return false
	}
	w.status = WorkerBusy
	w.currentTasks[t.ID] = struct{}{}
	return true
}

func (w *BaseWorker) release(t *Task) {
	w.mu.Lock()
	delete(w.currentTasks, t.ID)
	if len(w.currentTasks) == 0 {
		w.status = WorkerIdle
	}
	w.mu.Unlock()
}

// Shutdown waits (bounded by ctx) for in-flight tasks to clear, then marks
// the worker offline.
func (w *BaseWorker) Shutdown(ctx context.Context) error {
	for {
		w.mu.Lock()
		n := len(w.currentTasks)
		w.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.status = WorkerOffline
			w.mu.Unlock()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	w.mu.Lock()
	w.status = WorkerOffline
	w.mu.Unlock()
	return nil
}

// State snapshots the worker for the observation surface.
func (w *BaseWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make([]TaskID, 0, len(w.currentTasks))
	var heldLocks []string
	for id := range w.currentTasks {
		tasks = append(tasks, id)
		heldLocks = append(heldLocks, w.locks.HeldBy(id)...)
	}
	var successRate float64
	if w.tasksDone > 0 {
		successRate = float64(w.successes) / float64(w.tasksDone)
	}
	return WorkerState{
		ID:           w.id,
		Name:         w.name,
		Status:       w.status,
		CurrentTasks: tasks,
		HeldLocks:    heldLocks,
		Capability:   w.cap,
		Perf: WorkerPerfCounters{
			TasksCompleted:  w.tasksDone,
			AverageDuration: w.AverageDuration(),
			SuccessRate:     successRate,
		},
	}
}

// RunTask is the seven-step envelope the spec assigns to every worker
// archetype, parameterized only by BaseWorker.executor.Execute.
//
//  1. validate capability fit
//  2. drain the assign Message and (idempotently) reserve the worker slot
//  3. acquire write leases on task.files
//  4. run execute under the retry engine
//  5. success path: release leases, update counters
//  6. failure path: release leases regardless
//  7. partial-result semantics are the caller's (scheduler's) concern: a
//     ResultPartial is returned here unmodified and treated as completed.
func (w *BaseWorker) RunTask(ctx context.Context, t *Task, leaseDuration time.Duration) (TaskResult, error) {
	if !w.cap.CanHandle(t) {
		return TaskResult{}, NewCodedError(ErrCodeIncompatible, fmt.Errorf("%w: worker %s cannot handle task %s", ErrIncompatible, w.id, t.ID))
	}

	// The scheduler enqueues the assign Message and reserves this worker's
	// slot before spawning the goroutine that lands here; draining it now
	// reports how long the task waited between assignment and execution
	// actually starting. Reserve is idempotent against that prior claim.
	select {
	case msg := <-w.inbox:
		if msg.Type == MessageAssign {
			hist, _ := otel.Meter("agentorchestrator").Float64Histogram("agentorch_worker_assign_latency_seconds")
			hist.Record(ctx, time.Since(msg.Timestamp).Seconds())
		}
	default:
	}
	w.Reserve(t)
	defer w.release(t)

	acquire := w.locks.Acquire(t.Files, t.ID, w.id, LockModeWrite, leaseDuration)
	if !acquire.Granted {
		return TaskResult{}, NewCodedError(ErrCodeConflict, fmt.Errorf("%w: paths %v", ErrLockConflict, acquire.ConflictingPaths))
	}

	ctx, span := w.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("task_id", string(t.ID)),
		attribute.String("task_type", string(t.Type)),
		attribute.String("worker_id", string(w.id)),
	))
	defer span.End()

	start := time.Now()
	var result TaskResult
	err := w.retry.Run(ctx, t.ID, "execute", func(ctx context.Context) error {
		if !w.breaker.Allow() {
			return NewCodedError(ErrCodeConflict, fmt.Errorf("circuit open for worker %s", w.id))
		}
		r, execErr := w.executor.Execute(ctx, t)
		w.breaker.RecordResult(execErr == nil)
		if execErr != nil {
			return execErr
		}
		result = r
		return nil
	})
	duration := time.Since(start)

	w.locks.Release(t.Files, t.ID)

	w.mu.Lock()
	w.tasksDone++
	w.totalDur += duration
	if err == nil {
		w.successes++
	}
	w.mu.Unlock()

	if err != nil {
		return TaskResult{TaskID: t.ID, Status: ResultFailure, Errors: []string{err.Error()}}, err
	}
	result.TaskID = t.ID
	if result.Status == "" {
		result.Status = ResultSuccess
	}
	result.Metrics.DurationMs = duration.Milliseconds()
	return result, nil
}

// CodeWorker generates or edits source files.
type CodeWorker struct{ *BaseWorker }

// TestWorker authors or runs test files.
type TestWorker struct{ *BaseWorker }

// DocsWorker authors documentation.
type DocsWorker struct{ *BaseWorker }

// ReviewWorker reviews changes without modifying files it doesn't own.
type ReviewWorker struct{ *BaseWorker }

// RefactorWorker restructures existing code without changing behavior.
type RefactorWorker struct{ *BaseWorker }
