package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embermill/conductor/internal/logbook"
	"github.com/embermill/conductor/internal/queue"
	"github.com/embermill/conductor/internal/task"
)

// StepStatus describes one step's outcome inside a workflow result.
type StepStatus string

const (
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
	StepNotAttempted StepStatus = "notAttempted"
)

// StepResult pairs a step with its outcome. Execution is nil for steps that
// were skipped or never attempted.
type StepResult struct {
	TaskID    string
	Name      string
	Status    StepStatus
	Execution *task.ExecutionResult
}

// Result is the workflow-level outcome, including partial-failure detail.
// Degraded marks a substitute result produced without running the engine.
type Result struct {
	WorkflowID string
	Status     task.Status
	Degraded   bool
	Steps      []StepResult
	Duration   time.Duration
}

// CompletedTaskIDs lists the steps that finished successfully, for
// partial-failure reporting.
func (r Result) CompletedTaskIDs() []string {
	var ids []string
	for _, step := range r.Steps {
		if step.Status == StepCompleted {
			ids = append(ids, step.TaskID)
		}
	}
	return ids
}

// Engine executes workflows on top of the task manager. Parallel workflows
// fan out through the bounded priority queue when one is attached; without a
// queue they run inline.
type Engine struct {
	manager *task.Manager
	queue   *queue.Queue
	clock   func() time.Time
	log     *logbook.Logbook
}

// EngineOption customizes the engine instance.
type EngineOption func(*Engine)

// WithQueue routes parallel steps through the bounded priority queue.
func WithQueue(q *queue.Queue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogbook records workflow progress to the given logbook.
func WithLogbook(log *logbook.Logbook) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine wires a workflow engine to the task manager.
func NewEngine(manager *task.Manager, opts ...EngineOption) (*Engine, error) {
	if manager == nil {
		return nil, fmt.Errorf("workflow: task manager is required")
	}
	e := &Engine{manager: manager, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the workflow per its composition mode and aggregates the
// step outcomes into a workflow status.
func (e *Engine) Execute(ctx context.Context, wf *Workflow) (Result, error) {
	if wf == nil {
		return Result{}, fmt.Errorf("workflow: workflow is required")
	}
	if len(wf.Steps) == 0 {
		return Result{}, fmt.Errorf("workflow: %s has no steps", wf.Name)
	}
	start := e.clock()
	wf.Status = task.StatusInProgress

	var steps []StepResult
	switch wf.Mode {
	case ModeParallel:
		steps = e.runParallel(ctx, wf)
	case ModeConditional:
		steps = e.runOrdered(ctx, wf, true)
	default:
		steps = e.runOrdered(ctx, wf, false)
	}

	result := Result{
		WorkflowID: wf.ID,
		Status:     aggregateStatus(ctx, wf, steps),
		Steps:      steps,
		Duration:   e.clock().Sub(start),
	}
	wf.Status = result.Status
	e.log.Info("workflow: %s finished %s in %s", wf.Name, result.Status, result.Duration)
	return result, nil
}

// runOrdered drives sequential and conditional workflows. A required-step
// failure halts the remainder; under conditional mode a false predicate
// skips the step without blocking the rest.
func (e *Engine) runOrdered(ctx context.Context, wf *Workflow, conditional bool) []StepResult {
	results := make([]StepResult, 0, len(wf.Steps))
	shared := map[string]any{}
	halted := false
	for _, step := range wf.Steps {
		sr := StepResult{TaskID: step.Task.ID, Name: step.Task.Name}
		if halted || ctx.Err() != nil {
			sr.Status = StepNotAttempted
			results = append(results, sr)
			continue
		}
		ec := &task.ExecutionContext{Task: step.Task, WorkflowID: wf.ID, Data: shared}
		if conditional && step.Predicate != nil && !step.Predicate(ec) {
			sr.Status = StepSkipped
			results = append(results, sr)
			continue
		}
		res := e.manager.Execute(ctx, step.Task, ec)
		sr.Execution = &res
		if res.Success {
			sr.Status = StepCompleted
			shared[step.Task.ID] = res.Output
		} else {
			sr.Status = StepFailed
			if !step.Optional {
				halted = true
			}
		}
		results = append(results, sr)
	}
	return results
}

// runParallel submits every step to the queue at its task priority and waits
// for all outcomes. Required failures do not cancel sibling steps; the
// aggregate simply records them.
func (e *Engine) runParallel(ctx context.Context, wf *Workflow) []StepResult {
	results := make([]StepResult, len(wf.Steps))
	var g errgroup.Group
	for i, step := range wf.Steps {
		i, step := i, step
		results[i] = StepResult{TaskID: step.Task.ID, Name: step.Task.Name}
		ec := &task.ExecutionContext{Task: step.Task, WorkflowID: wf.ID, Data: map[string]any{}}
		run := func(runCtx context.Context) task.ExecutionResult {
			return e.manager.Execute(runCtx, step.Task, ec)
		}
		if e.queue == nil {
			g.Go(func() error {
				res := run(ctx)
				results[i].Execution = &res
				results[i].Status = stepStatusFor(res)
				return nil
			})
			continue
		}
		done := make(chan task.ExecutionResult, 1)
		ticket, err := e.queue.Enqueue(int(step.Task.Priority), step.Task.Name, func(qctx context.Context) error {
			done <- run(qctx)
			return nil
		})
		if err != nil {
			res := task.ExecutionResult{TaskID: step.Task.ID, FailureReason: err.Error()}
			results[i].Execution = &res
			results[i].Status = StepFailed
			continue
		}
		g.Go(func() error {
			select {
			case <-ticket.Done():
				if ticket.Dropped() {
					results[i].Status = StepNotAttempted
					return nil
				}
				res := <-done
				results[i].Execution = &res
				results[i].Status = stepStatusFor(res)
			case <-ctx.Done():
				res := task.ExecutionResult{TaskID: step.Task.ID, FailureReason: ctx.Err().Error()}
				results[i].Execution = &res
				results[i].Status = StepFailed
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func stepStatusFor(res task.ExecutionResult) StepStatus {
	if res.Success {
		return StepCompleted
	}
	return StepFailed
}

// aggregateStatus derives the workflow status: completed only if every
// required step completed; failed if any required step failed; cancelled if
// the context ended before the workflow could finish.
func aggregateStatus(ctx context.Context, wf *Workflow, steps []StepResult) task.Status {
	requiredFailed := false
	attemptedAll := true
	for i, sr := range steps {
		switch sr.Status {
		case StepFailed:
			if !wf.Steps[i].Optional {
				requiredFailed = true
			}
		case StepNotAttempted:
			attemptedAll = false
		}
	}
	switch {
	case requiredFailed:
		return task.StatusFailed
	case !attemptedAll && ctx.Err() != nil:
		return task.StatusCancelled
	case !attemptedAll:
		return task.StatusFailed
	default:
		return task.StatusCompleted
	}
}
