package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/agentorchestrator/internal/core/resilience"
)

// Config is everything the Orchestrator needs at construction time, one
// level above internal/config.Config's on-disk/env representation (the
// caller is expected to translate one into the other).
type Config struct {
	ConflictResolutionStrategy ConflictResolutionStrategy
	MaxConcurrentTasks         int
	TaskQueueSize              int
	LeaseDuration              time.Duration
	CascadeOnFailure           bool
	LeaseSweepInterval         time.Duration
	EventRingSize              int
	RetryConfig                RetryConfig
	SubmitRateLimiter          *resilience.RateLimiter // nil disables rate limiting
	Transport                  Transport               // nil defaults to a 256-deep InProcessTransport
}

// registeredWorker pairs a Worker with the BaseWorker accessors the
// scheduler needs for dispatch decisions (in-flight count, availability,
// average duration) without widening the public Worker interface.
type registeredWorker struct {
	worker Worker
	base   *BaseWorker
}

// Orchestrator is the Scheduler component: it accepts tasks, selects
// workers, dispatches, collects results, and emits lifecycle events. It is
// the single owner of Task records.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[TaskID]*Task
	cancels map[TaskID]context.CancelFunc

	graph    *DependencyGraph
	conflict *ConflictDetector
	locks    *LockManager
	bus      *EventBus
	audit    *AuditSink

	workers []registeredWorker

	transport Transport

	signal chan struct{}
	cron   *cron.Cron

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	logger *slog.Logger
}

// New constructs an Orchestrator with a fixed, immutable-for-its-lifetime
// worker set — worker registration happens only here, per the spec's
// decision to keep the registry static (see design notes).
//
// locks must be the same *LockManager every worker in workers was
// constructed with: the Lock Manager is a single shared-resource arbiter
// across all workers, not a per-worker instance (see DESIGN.md).
func New(cfg Config, locks *LockManager, workers []Worker, audit *AuditSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewInProcessTransport(256)
	}
	o := &Orchestrator{
		cfg:        cfg,
		tasks:      make(map[TaskID]*Task),
		cancels:    make(map[TaskID]context.CancelFunc),
		graph:      NewDependencyGraph(),
		conflict:   NewConflictDetector(cfg.ConflictResolutionStrategy),
		locks:      locks,
		bus:        NewEventBus(cfg.EventRingSize),
		audit:      audit,
		transport:  transport,
		signal:     make(chan struct{}, 1),
		cron:       cron.New(cron.WithSeconds()),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
	for _, w := range workers {
		var base *BaseWorker
		if envelope, ok := w.(baseWorkerAccessor); ok {
			base = envelope.envelope()
		}
		o.workers = append(o.workers, registeredWorker{worker: w, base: base})
	}

	sweepMs := cfg.LeaseSweepInterval
	if sweepMs <= 0 {
		sweepMs = 60 * time.Second
	}
	_, _ = o.cron.AddFunc(fmt.Sprintf("@every %s", sweepMs), o.sweepLeases)
	o.cron.Start()

	o.wg.Add(1)
	go o.dispatchLoop()

	o.wg.Add(1)
	go o.transportLoop()

	return o
}

// transportLoop observes every message the scheduler and workers exchange
// over Transport (assign on dispatch, complete/error/conflict on
// completion) for logging — the bus a distributed deployment would fan
// these out to (NATSTransport) behaves identically to the in-process
// default from the scheduler's perspective. It exits once Transport.Close
// starts returning errors from Receive, which Shutdown triggers.
func (o *Orchestrator) transportLoop() {
	defer o.wg.Done()
	for {
		msg, err := o.transport.Receive(context.Background())
		if err != nil {
			return
		}
		o.logger.Debug("transport message observed", "type", msg.Type, "task_id", msg.TaskID, "worker_id", msg.From)
	}
}

func (o *Orchestrator) emit(typ EventType, data map[string]any) {
	e := o.bus.Publish(typ, data)
	if o.audit != nil {
		_ = o.audit.Record(e)
	}
}

func (o *Orchestrator) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Submit validates a draft, assigns it an id, inserts it into the
// dependency graph and conflict index, and wakes the dispatch loop.
func (o *Orchestrator) Submit(draft TaskDraft) (TaskID, error) {
	return o.submitWithExtraDeps(draft, nil)
}

// SubmitWithDependencies is equivalent to Submit with
// dependencies = explicitDeps ∪ draft.Dependencies.
func (o *Orchestrator) SubmitWithDependencies(draft TaskDraft, explicitDeps []TaskID) (TaskID, error) {
	return o.submitWithExtraDeps(draft, explicitDeps)
}

func (o *Orchestrator) submitWithExtraDeps(draft TaskDraft, extraDeps []TaskID) (TaskID, error) {
	if err := ValidateDraft(draft); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.shutdownCh:
		return "", ErrShutdown
	default:
	}

	if o.cfg.SubmitRateLimiter != nil && !o.cfg.SubmitRateLimiter.Allow() {
		return "", NewCodedError(ErrCodeQueueFull, fmt.Errorf("%w: submission rate exceeded", ErrQueueFull))
	}
	if o.cfg.TaskQueueSize > 0 && len(o.tasks) >= o.cfg.TaskQueueSize {
		return "", NewCodedError(ErrCodeQueueFull, ErrQueueFull)
	}

	task := NewTask(draft, extraDeps)

	if err := o.graph.Add(task.ID, task.SortedDependencies()); err != nil {
		return "", err
	}

	if o.conflict.Strategy() == ConflictAbort && o.conflict.HasConflict(task) {
		o.graph.Remove(task.ID)
		return "", NewCodedError(ErrCodeValidationError, fmt.Errorf("%w: CONFLICT", ErrValidation))
	}

	o.conflict.Register(task)
	o.tasks[task.ID] = task

	o.emit(EventTaskCreated, map[string]any{"task_id": string(task.ID), "type": string(task.Type), "priority": string(task.Priority)})
	o.wake()
	return task.ID, nil
}

// Cancel transitions a pending or blocked task to failed(CANCELLED)
// immediately, or cooperatively signals an in-progress one.
func (o *Orchestrator) Cancel(taskID TaskID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}

	switch task.Status {
	case TaskStatusPending, TaskStatusBlocked:
		task.Status = TaskStatusFailed
		task.UpdatedAt = time.Now()
		o.graph.Remove(taskID)
		o.conflict.Forget(taskID)
		o.emit(EventTaskCompleted, map[string]any{"task_id": string(taskID), "status": "failed", "code": string(ErrCodeCancelled)})
		return nil
	case TaskStatusInProgress:
		task.cancelRequested = true
		if cancel, ok := o.cancels[taskID]; ok {
			cancel()
		}
		return nil
	default:
		return ErrNotCancellable
	}
}

// Status returns a copy of the current task record.
func (o *Orchestrator) Status(taskID TaskID) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return Task{}, ErrUnknownTask
	}
	return *t, nil
}

// AllTasks returns a snapshot of every known task, ordered by id for
// deterministic iteration.
func (o *Orchestrator) AllTasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkerStatuses snapshots every registered worker.
func (o *Orchestrator) WorkerStatuses() []WorkerState {
	out := make([]WorkerState, 0, len(o.workers))
	for _, rw := range o.workers {
		out = append(out, rw.worker.State())
	}
	return out
}

// Events returns every retained event with sequence greater than since.
func (o *Orchestrator) Events(since uint64) []Event {
	return o.bus.Since(since)
}

// Subscribe returns a live subscription handle for streaming new events.
func (o *Orchestrator) Subscribe(filter EventFilter) *Subscription {
	return o.bus.Subscribe(filter)
}

// Shutdown stops accepting new work, waits up to timeout for in-progress
// tasks to finish, cancels whatever's left, and releases every lease.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.shutdownOnce.Do(func() {
		close(o.shutdownCh)
		o.cron.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		o.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(o.cancels))
		for _, c := range o.cancels {
			cancels = append(cancels, c)
		}
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			for _, rw := range o.workers {
				_ = rw.worker.Shutdown(ctx)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("shutdown timeout elapsed with tasks still in flight")
		}
		for _, c := range cancels {
			c()
		}

		for _, l := range o.locks.Snapshot() {
			o.locks.Release([]string{l.Path}, l.TaskID)
		}
		_ = o.transport.Close()
		o.wg.Wait()
	})
}

func (o *Orchestrator) sweepLeases() {
	expired := o.locks.Sweep(time.Now())
	for _, l := range expired {
		o.emit(EventLockExpired, map[string]any{"path": l.Path, "task_id": string(l.TaskID)})
	}
	if len(expired) > 0 {
		o.wake()
	}
}

// dispatchLoop is the scheduler's long-running coordinator: it suspends on
// a submission/completion/sweep signal, a periodic tick, or shutdown, and
// otherwise tries to dispatch as many ready tasks as capacity allows.
func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.shutdownCh:
			return
		case <-o.signal:
		case <-ticker.C:
		}
		o.dispatchOnce()
	}
}

// dispatchOnce performs one pass of the spec's five-step dispatch
// algorithm: pull ready tasks ordered by priority then createdAt, pick the
// least-loaded capable idle worker, check conflicts, and assign — up to
// the global concurrency ceiling.
func (o *Orchestrator) dispatchOnce() {
	o.mu.Lock()
	if o.isShuttingDown() {
		o.mu.Unlock()
		return
	}

	readyIDs := o.graph.Ready()
	ready := make([]*Task, 0, len(readyIDs))
	for _, id := range readyIDs {
		if t, ok := o.tasks[id]; ok && t.Status == TaskStatusPending {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.rank() != ready[j].Priority.rank() {
			return ready[i].Priority.rank() > ready[j].Priority.rank()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	inProgress := 0
	for _, t := range o.tasks {
		if t.Status == TaskStatusInProgress {
			inProgress++
		}
	}
	o.mu.Unlock()

	for _, task := range ready {
		o.mu.Lock()
		if o.cfg.MaxConcurrentTasks > 0 && inProgress >= o.cfg.MaxConcurrentTasks {
			o.mu.Unlock()
			break
		}
		if o.conflict.HasConflict(task) {
			o.mu.Unlock()
			continue
		}
		candidate := o.pickWorker(task)
		if candidate == nil {
			o.mu.Unlock()
			continue
		}

		task.Status = TaskStatusInProgress
		task.AssignedWorker = candidate.worker.ID()
		task.UpdatedAt = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		o.cancels[task.ID] = cancel
		inProgress++
		o.mu.Unlock()

		assignMsg := Message{To: candidate.worker.ID(), TaskID: task.ID, Type: MessageAssign, Timestamp: time.Now(), Priority: task.Priority}
		if err := candidate.worker.Enqueue(ctx, assignMsg); err != nil {
			o.logger.Warn("enqueue assign message", "task_id", task.ID, "worker_id", candidate.worker.ID(), "error", err)
		}
		_ = o.transport.Send(ctx, assignMsg)

		o.emit(EventTaskAssigned, map[string]any{"task_id": string(task.ID), "worker_id": string(candidate.worker.ID())})
		o.wg.Add(1)
		go o.runOnWorker(ctx, candidate, task)
	}
}

func (o *Orchestrator) isShuttingDown() bool {
	select {
	case <-o.shutdownCh:
		return true
	default:
		return false
	}
}

// pickWorker enumerates workers whose capability matches task, ranks those
// with spare capacity by fewest in-flight tasks then lowest recent average
// duration, and reserves the winning worker's slot before returning it.
// Reserving here — still inside the o.mu critical section the caller holds
// — closes the race where two ready tasks in the same dispatchOnce pass
// both resolve to the same single-slot worker: Available()/InFlight() are
// only a peek, and BaseWorker's own busy bookkeeping doesn't update until
// RunTask actually starts inside its goroutine, which is too late if two
// tasks peeked the same idle slot first. If the top-ranked candidate's
// Reserve loses a race against something else changing its availability
// concurrently (e.g. its circuit breaker tripping), the next-ranked
// candidate is tried. Callers must hold o.mu.
func (o *Orchestrator) pickWorker(task *Task) *registeredWorker {
	var candidates []*registeredWorker
	for i := range o.workers {
		rw := &o.workers[i]
		if !rw.worker.Capabilities().CanHandle(task) {
			continue
		}
		if rw.base != nil && !rw.base.Available() {
			continue
		}
		candidates = append(candidates, rw)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.base == nil || b.base == nil {
			return false
		}
		if a.base.InFlight() != b.base.InFlight() {
			return a.base.InFlight() < b.base.InFlight()
		}
		return a.base.AverageDuration() < b.base.AverageDuration()
	})
	for _, rw := range candidates {
		if rw.base == nil {
			return rw
		}
		if rw.base.Reserve(task) {
			return rw
		}
	}
	return nil
}

func (o *Orchestrator) runOnWorker(ctx context.Context, rw *registeredWorker, task *Task) {
	defer o.wg.Done()
	var result TaskResult
	var err error
	if rw.base != nil {
		result, err = rw.base.RunTask(ctx, task, o.cfg.LeaseDuration)
	} else {
		err = NewCodedError(ErrCodeUnknownError, fmt.Errorf("worker %s has no runnable envelope", rw.worker.ID()))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, task.ID)

	select {
	case <-ctx.Done():
		if task.cancelRequested {
			task.Status = TaskStatusFailed
			task.UpdatedAt = time.Now()
			o.locks.ReleaseAll(task.ID)
			o.graph.MarkFailed(task.ID, false)
			o.conflict.Forget(task.ID)
			o.emit(EventTaskCompleted, map[string]any{"task_id": string(task.ID), "status": "failed", "code": string(ErrCodeCancelled)})
			o.wake()
			return
		}
	default:
	}

	if err == nil {
		task.Status = TaskStatusCompleted
		task.UpdatedAt = time.Now()
		o.conflict.Forget(task.ID)
		newlyReady := o.graph.MarkCompleted(task.ID)
		partial := result.Status == ResultPartial
		o.emit(EventTaskCompleted, map[string]any{"task_id": string(task.ID), "status": "completed", "partial": partial})
		_ = o.transport.Send(context.Background(), Message{From: rw.worker.ID(), TaskID: task.ID, Type: MessageComplete, Payload: result, Timestamp: time.Now(), Priority: task.Priority})
		if len(newlyReady) > 0 {
			o.wake()
		}
		return
	}

	if Code(err) == ErrCodeConflict {
		// A lock conflict surfaced at acquisition time despite the conflict
		// detector's pre-check (e.g. a race with a lease that hadn't been
		// registered yet): leave the task pending so the dispatch loop
		// retries it on a later tick, rather than failing it outright.
		task.Status = TaskStatusPending
		task.UpdatedAt = time.Now()
		o.emit(EventConflictDetected, map[string]any{"task_id": string(task.ID)})
		_ = o.transport.Send(context.Background(), Message{From: rw.worker.ID(), TaskID: task.ID, Type: MessageConflict, Timestamp: time.Now(), Priority: task.Priority})
		o.wake()
		return
	}

	task.Status = TaskStatusFailed
	task.UpdatedAt = time.Now()
	o.conflict.Forget(task.ID)
	blocked := o.graph.MarkFailed(task.ID, o.cfg.CascadeOnFailure)
	o.emit(EventTaskCompleted, map[string]any{"task_id": string(task.ID), "status": "failed", "code": string(Code(err))})
	_ = o.transport.Send(context.Background(), Message{From: rw.worker.ID(), TaskID: task.ID, Type: MessageError, Payload: err.Error(), Timestamp: time.Now(), Priority: task.Priority})
	for _, b := range blocked {
		if bt, ok := o.tasks[b]; ok {
			bt.Status = TaskStatusBlocked
			bt.UpdatedAt = time.Now()
			o.emit(EventTaskCompleted, map[string]any{"task_id": string(b), "status": "blocked", "code": string(ErrCodeDependencyFailed)})
		}
	}
	o.wake()
}
