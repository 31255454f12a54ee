package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/embermill/conductor/internal/logbook"
)

// Handler is the extension point concrete task-type executors plug into. It
// returns the task's output; a non-nil error marks the attempt failed.
type Handler func(ctx context.Context, t *Task, ec *ExecutionContext) (string, error)

// Manager creates, validates, schedules, cancels, and executes tasks. It is
// the sole owner of task status transitions.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	handlers map[Category]Handler
	clock    func() time.Time
	log      *logbook.Logbook
}

// ManagerOption customizes the manager.
type ManagerOption func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogbook records lifecycle events to the given logbook.
func WithLogbook(log *logbook.Logbook) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager returns an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		tasks:    map[string]*Task{},
		handlers: map[Category]Handler{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler installs the executor for a category. Re-registration
// replaces the previous handler.
func (m *Manager) RegisterHandler(category Category, handler Handler) error {
	if !validCategory(category) {
		return fmt.Errorf("task: unknown category %q", category)
	}
	if handler == nil {
		return fmt.Errorf("task: handler is required for %s", category)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[category] = handler
	return nil
}

// Create validates the intent and registers a pending task.
func (m *Manager) Create(intent Intent) (*Task, error) {
	action := strings.TrimSpace(intent.Action)
	if action == "" {
		return nil, &ValidationError{
			Field:      "action",
			Reason:     "a task needs a non-empty action",
			Suggestion: "describe what the task should do",
		}
	}
	if !validPriority(intent.Priority) {
		return nil, &ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("%d is outside the low..critical range", intent.Priority),
		}
	}
	category := intent.Category
	if category == "" {
		category = CategoryGeneral
	}
	if !validCategory(category) {
		return nil, &ValidationError{
			Field:      "category",
			Reason:     fmt.Sprintf("%q is not a known category", intent.Category),
			Suggestion: "use general, reminder, analysis, communication, or automation",
		}
	}
	now := m.clock()
	if intent.ScheduledFor != nil && !intent.ScheduledFor.After(now) {
		return nil, &ValidationError{
			Field:      "scheduledFor",
			Reason:     "the scheduled time is not in the future",
			Suggestion: "reschedule for a future date",
		}
	}
	t := &Task{
		ID:           newTaskID(),
		Name:         action,
		Description:  strings.TrimSpace(intent.Description),
		Priority:     intent.Priority,
		Category:     category,
		Status:       StatusPending,
		CreatedAt:    now,
		ScheduledFor: intent.ScheduledFor,
		Metadata:     cloneMetadata(intent.Metadata),
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.log.Info("task: created %s (%s, priority=%s)", t.ID, t.Name, t.Priority)
	return t, nil
}

// Get returns the task for id.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return t, nil
}

// Schedule moves a pending task to a strictly-future time.
func (m *Manager) Schedule(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if t.Status.Terminal() {
		return &TerminalStateError{ID: id, Status: t.Status}
	}
	if !at.After(m.clock()) {
		return &ValidationError{
			Field:      "scheduledFor",
			Reason:     "the scheduled time is not in the future",
			Suggestion: "reschedule for a future date",
		}
	}
	scheduled := at
	t.ScheduledFor = &scheduled
	return nil
}

// Cancel marks a task cancelled. Already-running work is signalled through
// its execution context; cancellation here only halts further progression.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if t.Status.Terminal() {
		return &TerminalStateError{ID: id, Status: t.Status}
	}
	t.Status = StatusCancelled
	m.log.Info("task: cancelled %s", id)
	return nil
}

// Execute runs the task once through its category handler and finalizes the
// status: a failed attempt marks the task failed. Without a registered
// handler execution degrades to a no-op success; either way the result
// carries timing and a success flag. Callers with their own retry policy use
// Attempt and MarkFailed instead.
func (m *Manager) Execute(ctx context.Context, t *Task, ec *ExecutionContext) ExecutionResult {
	res := m.Attempt(ctx, t, ec)
	if !res.Success {
		m.MarkFailed(t)
	}
	return res
}

// Attempt runs the task once and leaves the final-failure decision to the
// caller. The task moves to inProgress on the first attempt and stays there
// across failed attempts so a retry policy can re-run it; a successful
// attempt completes it.
func (m *Manager) Attempt(ctx context.Context, t *Task, ec *ExecutionContext) ExecutionResult {
	start := m.clock()
	if err := m.enterInProgress(t); err != nil {
		return ExecutionResult{
			TaskID:        t.ID,
			Success:       false,
			Duration:      m.clock().Sub(start),
			FailureReason: err.Error(),
		}
	}
	if ec == nil {
		ec = &ExecutionContext{Task: t}
	}

	handler := m.handlerFor(t.Category)
	var output string
	var err error
	if handler != nil {
		output, err = handler(ctx, t, ec)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	duration := m.clock().Sub(start)
	if err != nil {
		m.log.Warn("task: %s attempt failed after %s: %v", t.ID, duration, err)
		return ExecutionResult{
			TaskID:        t.ID,
			Success:       false,
			Duration:      duration,
			FailureReason: err.Error(),
		}
	}
	_ = m.transition(t, StatusCompleted)
	return ExecutionResult{
		TaskID:   t.ID,
		Success:  true,
		Duration: duration,
		Output:   output,
	}
}

// MarkFailed finalizes a task whose attempts are exhausted. Only an
// in-progress task moves; completed and cancelled tasks are left alone.
func (m *Manager) MarkFailed(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == StatusInProgress {
		t.Status = StatusFailed
		m.log.Warn("task: %s marked failed", t.ID)
	}
}

// enterInProgress admits a task into execution. Re-entry of an already
// in-progress task is a no-op so retries do not trip the transition check.
func (m *Manager) enterInProgress(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == StatusInProgress {
		return nil
	}
	if !canTransition(t.Status, StatusInProgress) {
		return fmt.Errorf("task: %s cannot move from %s to %s", t.ID, t.Status, StatusInProgress)
	}
	t.Status = StatusInProgress
	return nil
}

func (m *Manager) handlerFor(category Category) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[category]
}

func (m *Manager) transition(t *Task, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(t.Status, to) {
		return fmt.Errorf("task: %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}
