// Package orchestrator implements the multi-agent task orchestrator: a
// scheduler that accepts typed work items, routes them to capable workers,
// enforces exclusive per-file locks, honors inter-task dependencies, detects
// file-level conflicts, retries transient failures, and emits lifecycle
// events.
package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a Task for its lifetime.
type TaskID string

// WorkerID uniquely identifies a registered Worker.
type WorkerID string

// NewTaskID mints a fresh, monotonically-unique-enough task identity.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewWorkerID mints a fresh worker identity.
func NewWorkerID() WorkerID { return WorkerID(uuid.NewString()) }

// TaskType is the domain of work a Task represents.
type TaskType string

const (
	TaskTypeCode     TaskType = "code"
	TaskTypeTest     TaskType = "test"
	TaskTypeDocs     TaskType = "docs"
	TaskTypeReview   TaskType = "review"
	TaskTypeRefactor TaskType = "refactor"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCode, TaskTypeTest, TaskTypeDocs, TaskTypeReview, TaskTypeRefactor:
		return true
	}
	return false
}

// Priority orders ready tasks for dispatch; higher-priority ready tasks must
// never wait behind lower-priority ones while a capable idle worker exists.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// rank returns a sort weight for Priority, higher first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// TaskStatus is a Task's mutable lifecycle state.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s is a state a task can never leave.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskDraft carries every field a submitter supplies; the scheduler fills in
// id, status, createdAt and updatedAt.
type TaskDraft struct {
	Type               TaskType
	Priority           Priority
	Description        string
	Dependencies       []TaskID
	Files              []string
	Context            map[string]string
	EstimatedDuration  time.Duration
	Metadata           map[string]any
}

// Task is the scheduler's immutable-identity, partially-mutable work record.
type Task struct {
	ID             TaskID
	Type           TaskType
	Priority       Priority
	Description    string
	Dependencies   map[TaskID]struct{}
	Files          []string
	Context        map[string]string
	CreatedAt      time.Time
	EstimatedDur   time.Duration
	Metadata       map[string]any

	Status         TaskStatus
	AssignedWorker WorkerID
	UpdatedAt      time.Time

	cancelRequested bool
}

// SortedDependencies returns Dependencies as a deterministic, sorted slice —
// used when inserting the task into the dependency graph. JSON encoding of a
// Task emits Dependencies as an object keyed by task id, not this slice.
func (t *Task) SortedDependencies() []TaskID {
	out := make([]TaskID, 0, len(t.Dependencies))
	for id := range t.Dependencies {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewTask builds a Task from a draft plus any explicit extra dependencies,
// stamping identity and timestamps. It does not validate the draft; callers
// validate before insertion (see ValidateDraft).
func NewTask(draft TaskDraft, extraDeps []TaskID) *Task {
	now := time.Now()
	deps := make(map[TaskID]struct{}, len(draft.Dependencies)+len(extraDeps))
	for _, d := range draft.Dependencies {
		deps[d] = struct{}{}
	}
	for _, d := range extraDeps {
		deps[d] = struct{}{}
	}
	return &Task{
		ID:           NewTaskID(),
		Type:         draft.Type,
		Priority:     draft.Priority,
		Description:  draft.Description,
		Dependencies: deps,
		Files:        append([]string(nil), draft.Files...),
		Context:      draft.Context,
		CreatedAt:    now,
		EstimatedDur: draft.EstimatedDuration,
		Metadata:     draft.Metadata,
		Status:       TaskStatusPending,
		UpdatedAt:    now,
	}
}

// ValidateDraft checks the static shape of a TaskDraft. It does not check
// dependency existence or acyclicity — that's the Dependency Graph's job,
// since it requires knowledge of already-submitted tasks.
func ValidateDraft(d TaskDraft) error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: invalid task type %q", ErrValidation, d.Type)
	}
	if !d.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, d.Priority)
	}
	if len(d.Files) == 0 {
		return fmt.Errorf("%w: task must declare at least one file", ErrValidation)
	}
	seen := make(map[string]struct{}, len(d.Files))
	for _, f := range d.Files {
		if f == "" {
			return fmt.Errorf("%w: empty file path", ErrValidation)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: duplicate file path %q", ErrValidation, f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// Capability is a worker-static descriptor of what kinds of tasks a worker
// may be offered.
type Capability struct {
	Name               string
	FilePatterns       []string // doublestar globs
	TaskTypes          map[TaskType]struct{}
	Languages          []string
	Frameworks         []string
	MaxConcurrentTasks int
}

// CanHandle reports whether this capability's task-type set and file-pattern
// globs admit the given task.
func (c Capability) CanHandle(t *Task) bool {
	if _, ok := c.TaskTypes[t.Type]; !ok {
		return false
	}
	for _, f := range t.Files {
		for _, pattern := range c.FilePatterns {
			if globMatch(pattern, f) {
				return true
			}
		}
	}
	return false
}

// LockMode distinguishes shared-read from exclusive-write lease intent.
type LockMode string

const (
	LockModeRead  LockMode = "read"
	LockModeWrite LockMode = "write"
)

// Lock is a single path's current exclusive (or shared) claim.
type Lock struct {
	Path       string
	TaskID     TaskID
	WorkerID   WorkerID
	Mode       LockMode
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// DefaultLeaseDuration is the lease lifetime absent explicit configuration.
const DefaultLeaseDuration = 30 * time.Minute

// MessageType enumerates the envelope kinds exchanged over Transport.
type MessageType string

const (
	MessageAssign   MessageType = "assign"
	MessageComplete MessageType = "complete"
	MessageConflict MessageType = "conflict"
	MessageStatus   MessageType = "status"
	MessageError    MessageType = "error"
	MessageHelp     MessageType = "help"
)

// Valid reports whether m is one of the known message types.
func (m MessageType) Valid() bool {
	switch m {
	case MessageAssign, MessageComplete, MessageConflict, MessageStatus, MessageError, MessageHelp:
		return true
	}
	return false
}

// Message is the envelope exchanged between the scheduler and a worker over
// the pluggable Transport.
type Message struct {
	From      WorkerID
	To        WorkerID
	TaskID    TaskID
	Type      MessageType
	Payload   any
	Timestamp time.Time
	Priority  Priority
}

// ResultStatus is the outcome carried by a TaskResult.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPartial ResultStatus = "partial"
)

// TaskResultMetrics carries the quantitative side of an execution outcome.
type TaskResultMetrics struct {
	DurationMs     int64
	LinesChanged   int
	TestsRun       int
	TestsPassed    int
	CoverageDelta  float64
}

// TaskResult is the outcome a worker hands back after attempting a task.
type TaskResult struct {
	TaskID        TaskID
	Status        ResultStatus
	FilesModified []string
	FilesCreated  []string
	FilesDeleted  []string
	Output        map[string]any
	Errors        []string
	Warnings      []string
	Metrics       TaskResultMetrics
}

// WorkerStatus is a worker's coarse availability state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerPerfCounters are the rolling performance statistics the scheduler
// uses to break dispatch ties between equally-loaded capable workers.
type WorkerPerfCounters struct {
	TasksCompleted  int64
	AverageDuration time.Duration
	SuccessRate     float64
}

// WorkerState is the observation-surface snapshot of a registered worker.
type WorkerState struct {
	ID           WorkerID
	Name         string
	Status       WorkerStatus
	CurrentTasks []TaskID
	HeldLocks    []string
	Capability   Capability
	Perf         WorkerPerfCounters
}

// EventType enumerates the lifecycle events the Event Bus fans out.
type EventType string

const (
	EventTaskCreated          EventType = "task_created"
	EventTaskAssigned         EventType = "task_assigned"
	EventTaskCompleted        EventType = "task_completed"
	EventConflictDetected     EventType = "conflict_detected"
	EventWorkerStatusChanged  EventType = "worker_status_changed"
	EventLockExpired          EventType = "lock_expired"
)

// Event is a single lifecycle notification, stamped with a bus-assigned
// monotonic sequence number.
type Event struct {
	Seq       uint64
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// ConflictResolutionStrategy selects how colliding submissions are handled.
type ConflictResolutionStrategy string

const (
	ConflictQueue ConflictResolutionStrategy = "queue"
	ConflictMerge ConflictResolutionStrategy = "merge" // behaves exactly like ConflictQueue
	ConflictAbort ConflictResolutionStrategy = "abort"
)

// ConflictKind classifies why two tasks were found to collide.
type ConflictKind string

const (
	ConflictWriteWrite ConflictKind = "write_write"
	ConflictReadWrite  ConflictKind = "read_write"
	ConflictDependency ConflictKind = "dependency"
)
