// Package task defines the unit-of-work model and the Manager that owns task
// lifecycle: creation, validation, scheduling, cancellation, and execution.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks for scheduling; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority for logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category groups tasks for routing; the set is closed.
type Category string

const (
	CategoryGeneral       Category = "general"
	CategoryReminder      Category = "reminder"
	CategoryAnalysis      Category = "analysis"
	CategoryCommunication Category = "communication"
	CategoryAutomation    Category = "automation"
)

// Status tracks the task state machine. Transitions are monotonic: once a
// task reaches a terminal status it never leaves it.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Task is one unit of work. Fields are set at creation; Status is owned by
// the Manager afterwards.
type Task struct {
	ID           string
	Name         string
	Description  string
	Priority     Priority
	Category     Category
	Status       Status
	CreatedAt    time.Time
	ScheduledFor *time.Time
	Metadata     map[string]string
}

// Intent is the caller-facing request to create a task. Parsing human
// language into an Intent happens outside this core.
type Intent struct {
	Action       string
	Description  string
	Priority     Priority
	Category     Category
	ScheduledFor *time.Time
	Metadata     map[string]string
}

// ExecutionContext is ephemeral state for a single execution attempt. It is
// never persisted.
type ExecutionContext struct {
	Task       *Task
	WorkflowID string
	Data       map[string]any
}

// Value reads a context datum; ok is false when absent.
func (ec *ExecutionContext) Value(key string) (any, bool) {
	if ec == nil || ec.Data == nil {
		return nil, false
	}
	v, ok := ec.Data[key]
	return v, ok
}

// ExecutionResult reports the outcome of one execution attempt. Every
// invocation produces one, including degraded fallbacks.
type ExecutionResult struct {
	TaskID        string
	Success       bool
	Degraded      bool
	Duration      time.Duration
	Output        string
	FailureReason string
}

func newTaskID() string {
	return uuid.NewString()
}

func cloneMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func validCategory(c Category) bool {
	switch c {
	case CategoryGeneral, CategoryReminder, CategoryAnalysis, CategoryCommunication, CategoryAutomation:
		return true
	default:
		return false
	}
}

func validPriority(p Priority) bool {
	return p >= PriorityLow && p <= PriorityCritical
}
