package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/embermill/conductor/internal/breaker"
	"github.com/embermill/conductor/internal/queue"
	"github.com/embermill/conductor/internal/router"
	"github.com/embermill/conductor/internal/task"
	"github.com/embermill/conductor/internal/telemetry"
	"github.com/embermill/conductor/internal/workflow"
)

// Orchestrator is the facade callers submit work through. Every submission
// is routed, scheduled, breaker-wrapped, de-duplicated via the result cache,
// and recorded to telemetry.
type Orchestrator struct {
	c *Container
}

// New wraps a built container.
func New(c *Container) (*Orchestrator, error) {
	if c == nil {
		return nil, fmt.Errorf("orchestrator: container is required")
	}
	return &Orchestrator{c: c}, nil
}

// Container exposes the wired components, mainly for callers that need
// direct access to the task manager or telemetry snapshots.
func (o *Orchestrator) Container() *Container { return o.c }

// ExecuteTask runs one task through the full pipeline. Duplicate
// near-simultaneous submissions of the same task return the cached result
// instead of re-executing. A full queue rejects the submission with the
// queue's descriptive error.
func (o *Orchestrator) ExecuteTask(ctx context.Context, t *task.Task, containsSensitiveData bool) (task.ExecutionResult, error) {
	if t == nil {
		return task.ExecutionResult{}, fmt.Errorf("orchestrator: task is required")
	}
	decision := o.c.Router.DetermineMode(taskWorkload(t), containsSensitiveData)
	fp := taskFingerprint(t, decision.Mode)
	if cached, ok := o.c.Cache.Get(fp); ok {
		if res, ok := cached.(task.ExecutionResult); ok {
			o.c.Log.Info("orchestrator: served %s from result cache", t.ID)
			return res, nil
		}
	}

	// Attempts leave the task retryable; only after the breaker gives up is
	// the task finalized as failed.
	var res task.ExecutionResult
	ticket, err := o.c.Queue.Enqueue(int(t.Priority), t.Name, func(qctx context.Context) error {
		out, _ := o.c.Breaker.ExecuteWithRetry(qctx, o.c.Options.RetryMaxAttempts,
			func(opCtx context.Context) (any, error) {
				ec := &task.ExecutionContext{Task: t, Data: map[string]any{"mode": string(decision.Mode)}}
				attempt := o.c.Tasks.Attempt(opCtx, t, ec)
				if !attempt.Success {
					return attempt, errors.New(attempt.FailureReason)
				}
				return attempt, nil
			},
			func(context.Context) any {
				return degradedTaskResult(t)
			},
		)
		outcome, ok := out.(task.ExecutionResult)
		if !ok {
			outcome = degradedTaskResult(t)
		}
		if outcome.Degraded {
			o.c.Tasks.MarkFailed(t)
		}
		res = outcome
		return nil
	})
	if err != nil {
		return task.ExecutionResult{}, err
	}

	select {
	case <-ticket.Done():
		if ticket.Dropped() {
			return task.ExecutionResult{TaskID: t.ID, FailureReason: queue.ErrCancelled.Error()}, queue.ErrCancelled
		}
	case <-ctx.Done():
		return degradedTaskResult(t), ctx.Err()
	}
	if !res.Degraded {
		o.c.Cache.Set(fp, res, o.c.Options.ResultTTL.Std())
	}
	o.c.Telemetry.RecordOperationResult(res.Success, res.Duration, res.FailureReason)
	return res, nil
}

// ExecuteWorkflow runs a workflow through routing, breaker protection, and
// result caching. The workflow itself is not queued as a single item: its
// parallel steps already flow through the bounded queue, and nesting the
// whole workflow inside one queue slot could starve those steps under a
// small thermal budget.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, wf *workflow.Workflow, containsSensitiveData bool) (workflow.Result, error) {
	if wf == nil {
		return workflow.Result{}, fmt.Errorf("orchestrator: workflow is required")
	}
	decision := o.c.Router.DetermineMode(workflowWorkload(wf), containsSensitiveData)
	fp := workflowFingerprint(wf, decision.Mode)
	if cached, ok := o.c.Cache.Get(fp); ok {
		if res, ok := cached.(workflow.Result); ok {
			o.c.Log.Info("orchestrator: served workflow %s from result cache", wf.ID)
			return res, nil
		}
	}

	// A workflow that ran to a failed status is a well-formed outcome with
	// partial-completion detail; the breaker guards only engine errors and
	// panics, so business failures neither open the circuit nor lose their
	// step results.
	out, err := o.c.Breaker.Execute(ctx,
		func(opCtx context.Context) (any, error) {
			return o.c.Workflows.Execute(opCtx, wf)
		},
		func(context.Context) any {
			return degradedWorkflowResult(wf)
		},
	)
	res, ok := out.(workflow.Result)
	if !ok {
		res = degradedWorkflowResult(wf)
	}
	if err != nil {
		return res, err
	}
	if !res.Degraded {
		o.c.Cache.Set(fp, res, o.c.Options.ResultTTL.Std())
	}
	o.c.Telemetry.RecordOperationResult(res.Status == task.StatusCompleted, res.Duration, failureReasonFor(res))
	return res, nil
}

// degradedTaskResult is the always-available substitute returned when the
// primary execution path is unavailable.
func degradedTaskResult(t *task.Task) task.ExecutionResult {
	return task.ExecutionResult{
		TaskID:        t.ID,
		Success:       false,
		Degraded:      true,
		FailureReason: "degraded fallback: primary execution path unavailable",
	}
}

func degradedWorkflowResult(wf *workflow.Workflow) workflow.Result {
	steps := make([]workflow.StepResult, len(wf.Steps))
	for i, step := range wf.Steps {
		steps[i] = workflow.StepResult{
			TaskID: step.Task.ID,
			Name:   step.Task.Name,
			Status: workflow.StepNotAttempted,
		}
	}
	return workflow.Result{WorkflowID: wf.ID, Status: task.StatusFailed, Degraded: true, Steps: steps}
}

func failureReasonFor(res workflow.Result) string {
	if res.Status == task.StatusCompleted {
		return ""
	}
	if res.Degraded {
		return "degraded fallback: primary execution path unavailable"
	}
	for _, step := range res.Steps {
		if step.Status == workflow.StepFailed {
			return "step failed"
		}
	}
	return "workflow did not complete"
}

// taskWorkload builds the router's static view of a task.
func taskWorkload(t *task.Task) router.Workload {
	return router.Workload{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Metadata:    t.Metadata,
	}
}

func workflowWorkload(wf *workflow.Workflow) router.Workload {
	var names []string
	for _, step := range wf.Steps {
		names = append(names, step.Task.Name)
	}
	return router.Workload{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description + " " + strings.Join(names, " "),
		Steps:       len(wf.Steps),
	}
}

// taskFingerprint derives the dedupe key for a submission. The hash keeps
// task content out of cache keys.
func taskFingerprint(t *task.Task, mode router.Mode) string {
	return "task:" + telemetry.HashContent(t.ID+"|"+t.Name+"|"+string(t.Category)+"|"+string(mode))
}

func workflowFingerprint(wf *workflow.Workflow, mode router.Mode) string {
	parts := []string{wf.ID, string(mode)}
	for _, step := range wf.Steps {
		parts = append(parts, step.Task.ID)
	}
	return "workflow:" + telemetry.HashContent(strings.Join(parts, "|"))
}

// Verdict is the aggregate health classification.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictUnhealthy Verdict = "unhealthy"
)

// Health is the aggregated snapshot exposed to dashboards.
type Health struct {
	Verdict          Verdict
	BreakerState     breaker.State
	QueueUtilization float64
	QueueBacklog     float64
	CacheUtilization float64
	SuccessRate      float64
	Operations       int
}

// Health combines breaker state, queue and cache utilization, and the recent
// success rate into a single verdict. Circuit open means unhealthy: the
// degraded fallback is in effect. That state is reportable and recoverable,
// never fatal.
func (o *Orchestrator) Health() Health {
	stats := o.c.Telemetry.Statistics()
	queueStatus := o.c.Queue.Status()
	cacheStats := o.c.Cache.Stats()
	h := Health{
		BreakerState:     o.c.Breaker.State(),
		QueueUtilization: queueStatus.UtilizationPercentage,
		QueueBacklog:     queueStatus.BacklogPercentage,
		CacheUtilization: cacheStats.CapacityUtilization,
		SuccessRate:      stats.SuccessRate,
		Operations:       stats.Operations,
	}
	switch {
	case h.BreakerState == breaker.StateOpen,
		h.Operations > 0 && h.SuccessRate < 0.5:
		h.Verdict = VerdictUnhealthy
	case h.BreakerState == breaker.StateHalfOpen,
		h.QueueBacklog >= 90,
		h.Operations > 0 && h.SuccessRate < 0.9:
		h.Verdict = VerdictDegraded
	default:
		h.Verdict = VerdictHealthy
	}
	return h
}
