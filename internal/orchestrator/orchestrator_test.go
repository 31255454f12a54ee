package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embermill/conductor/internal/breaker"
	"github.com/embermill/conductor/internal/config"
	"github.com/embermill/conductor/internal/power"
	"github.com/embermill/conductor/internal/queue"
	"github.com/embermill/conductor/internal/task"
	"github.com/embermill/conductor/internal/workflow"
)

type staticProbe struct {
	state power.State
}

func (p staticProbe) Sample() (power.State, error) { return p.state, nil }

// newTestOrchestrator builds and starts a full container against a fixed
// probe state, returning the facade with a cleanup-registered stop.
func newTestOrchestrator(t *testing.T, probeState power.State, mutate func(*config.Options)) *Orchestrator {
	t.Helper()
	opts := config.Default()
	opts.RetryMaxAttempts = 1 // keep tests free of backoff sleeps
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewContainer(opts, WithProbe(staticProbe{state: probeState}))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	o, err := New(c)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestExecuteTaskServesRepeatFromCache(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, nil)
	var calls int32
	err := o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(context.Context, *task.Task, *task.ExecutionContext) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	created, err := o.Container().Tasks.Create(task.Intent{Action: "greet"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, err := o.ExecuteTask(context.Background(), created, false)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if !first.Success || first.Output != "ok" {
		t.Fatalf("expected success with output ok, got %+v", first)
	}

	second, err := o.ExecuteTask(context.Background(), created, false)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Success {
		t.Fatalf("cached result must be the successful one, got %+v", second)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler must run once, ran %d times", got)
	}
	if stats := o.Container().Telemetry.Statistics(); stats.Operations != 1 {
		t.Fatalf("cache hits must not record operations, got %d", stats.Operations)
	}
}

func TestExecuteTaskDegradesWhenCircuitOpens(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, func(opts *config.Options) {
		opts.FailureThreshold = 2
	})
	var calls int32
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(context.Context, *task.Task, *task.ExecutionContext) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("backend down")
	})

	for _, name := range []string{"first", "second"} {
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		res, err := o.ExecuteTask(context.Background(), created, false)
		if err != nil {
			t.Fatalf("execute %s: %v", name, err)
		}
		if res.Success || !res.Degraded {
			t.Fatalf("%s: expected degraded fallback, got %+v", name, res)
		}
	}
	if state := o.Container().Breaker.State(); state != breaker.StateOpen {
		t.Fatalf("expected open circuit after threshold failures, got %s", state)
	}

	created, _ := o.Container().Tasks.Create(task.Intent{Action: "third"})
	res, err := o.ExecuteTask(context.Background(), created, false)
	if err != nil {
		t.Fatalf("execute third: %v", err)
	}
	if res.Success || !res.Degraded {
		t.Fatalf("expected degraded fallback with open circuit, got %+v", res)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("open circuit must skip the handler, ran %d times", got)
	}
}

// oneSlotState pins the probe to critical thermal under low power, which the
// ladder maps to a single execution slot.
func oneSlotState() power.State {
	return power.State{Thermal: power.ThermalCritical, LowPower: true}
}

func TestExecuteTaskRejectsWhenBacklogFull(t *testing.T) {
	o := newTestOrchestrator(t, oneSlotState(), func(opts *config.Options) {
		opts.QueueMaxPending = 1
	})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(ctx context.Context, _ *task.Task, _ *task.ExecutionContext) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	results := make(chan error, 2)
	for _, name := range []string{"running", "queued"} {
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		go func() {
			_, err := o.ExecuteTask(context.Background(), created, false)
			results <- err
		}()
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for o.Container().Queue.Status().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second task never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	created, _ := o.Container().Tasks.Create(task.Intent{Action: "overflow"})
	if _, err := o.ExecuteTask(context.Background(), created, false); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected queue-full rejection, got %v", err)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
	}
}

func TestExecuteTaskRecoversTransientFailure(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, func(opts *config.Options) {
		opts.RetryMaxAttempts = 3
		opts.RetryBackoffBase = config.Duration(time.Millisecond)
		opts.FailureThreshold = 10
	})
	var calls int32
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(context.Context, *task.Task, *task.ExecutionContext) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", errors.New("transient outage")
		}
		return "recovered", nil
	})
	created, err := o.Container().Tasks.Create(task.Intent{Action: "flaky"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	res, err := o.ExecuteTask(context.Background(), created, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Output != "recovered" {
		t.Fatalf("expected the retry to recover, got %+v", res)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, handler ran %d times", got)
	}
	if created.Status != task.StatusCompleted {
		t.Fatalf("recovered task must complete, got %s", created.Status)
	}
	if state := o.Container().Breaker.State(); state != breaker.StateClosed {
		t.Fatalf("a recovered submission must leave the circuit closed, got %s", state)
	}
}

func TestWorkflowPartialFailureReachesCaller(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, nil)
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(_ context.Context, tk *task.Task, _ *task.ExecutionContext) (string, error) {
		if tk.Name == "second" {
			return "", errors.New("handler refused second")
		}
		return "done " + tk.Name, nil
	})
	var steps []workflow.Step
	for _, name := range []string{"first", "second", "third"} {
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		steps = append(steps, workflow.Step{Task: created})
	}
	wf, err := workflow.New("three-step", "", workflow.ModeSequential, steps)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}

	res, err := o.ExecuteWorkflow(context.Background(), wf, false)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if res.Status != task.StatusFailed || res.Degraded {
		t.Fatalf("expected a genuine failed result, got %+v", res)
	}
	wantStatuses := []workflow.StepStatus{workflow.StepCompleted, workflow.StepFailed, workflow.StepNotAttempted}
	for i, want := range wantStatuses {
		if res.Steps[i].Status != want {
			t.Fatalf("step %d: expected %s, got %s", i, want, res.Steps[i].Status)
		}
	}
	if ids := res.CompletedTaskIDs(); len(ids) != 1 || ids[0] != wf.Steps[0].Task.ID {
		t.Fatalf("expected only the first step completed, got %v", ids)
	}
	if state := o.Container().Breaker.State(); state != breaker.StateClosed {
		t.Fatalf("a business failure must not open the circuit, got %s", state)
	}
}

func TestCancelAllResolvesWaitingSubmissions(t *testing.T) {
	o := newTestOrchestrator(t, oneSlotState(), nil)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(ctx context.Context, _ *task.Task, _ *task.ExecutionContext) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	defer close(release)

	type outcome struct {
		res task.ExecutionResult
		err error
	}
	submit := func(name string) chan outcome {
		t.Helper()
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ch := make(chan outcome, 1)
		go func() {
			res, err := o.ExecuteTask(context.Background(), created, false)
			ch <- outcome{res: res, err: err}
		}()
		return ch
	}

	first := submit("running")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}
	second := submit("pending")
	deadline := time.Now().Add(2 * time.Second)
	for o.Container().Queue.Status().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second task never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.Container().Queue.CancelAll()

	select {
	case got := <-second:
		if !errors.Is(got.err, queue.ErrCancelled) {
			t.Fatalf("dropped submission must report cancellation, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dropped submission never resolved")
	}
	select {
	case got := <-first:
		if got.err != nil {
			t.Fatalf("signalled submission must still resolve cleanly, got error %v", got.err)
		}
		if got.res.Success {
			t.Fatalf("cancelled in-flight work must not report success, got %+v", got.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight submission never resolved")
	}
}

func TestExecuteWorkflowRoutesAndCaches(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, nil)
	var calls int32
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(_ context.Context, tk *task.Task, _ *task.ExecutionContext) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "done " + tk.Name, nil
	})
	var steps []workflow.Step
	for _, name := range []string{"collect", "summarize"} {
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		steps = append(steps, workflow.Step{Task: created})
	}
	wf, err := workflow.New("report", "", workflow.ModeSequential, steps)
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}

	res, err := o.ExecuteWorkflow(context.Background(), wf, false)
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if res.Status != task.StatusCompleted {
		t.Fatalf("expected completed workflow, got %s", res.Status)
	}
	if ids := res.CompletedTaskIDs(); len(ids) != 2 {
		t.Fatalf("expected both steps completed, got %v", ids)
	}

	again, err := o.ExecuteWorkflow(context.Background(), wf, false)
	if err != nil {
		t.Fatalf("repeat execute: %v", err)
	}
	if again.Status != task.StatusCompleted {
		t.Fatalf("cached workflow result must stay completed, got %s", again.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("repeat must come from the cache, handler ran %d times", got)
	}
}

func TestSensitiveWorkAlwaysRoutesLocal(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, nil)
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(context.Context, *task.Task, *task.ExecutionContext) (string, error) {
		return "ok", nil
	})
	long := make([]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		long = append(long, 'x')
	}
	created, err := o.Container().Tasks.Create(task.Intent{
		Action:      "analyze personal records",
		Description: "multi-step analysis " + string(long),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := o.ExecuteTask(context.Background(), created, true); err != nil {
		t.Fatalf("execute: %v", err)
	}
	events := o.Container().Telemetry.Events()
	if len(events) == 0 {
		t.Fatal("expected a routing decision event")
	}
	if events[0].Mode != "local" {
		t.Fatalf("sensitive work must stay local, routed %s", events[0].Mode)
	}
}

func TestHealthVerdicts(t *testing.T) {
	o := newTestOrchestrator(t, power.State{}, func(opts *config.Options) {
		opts.FailureThreshold = 10
	})
	if h := o.Health(); h.Verdict != VerdictHealthy {
		t.Fatalf("fresh orchestrator must be healthy, got %s", h.Verdict)
	}

	fail := false
	o.Container().Tasks.RegisterHandler(task.CategoryGeneral, func(context.Context, *task.Task, *task.ExecutionContext) (string, error) {
		if fail {
			return "", errors.New("flaky backend")
		}
		return "ok", nil
	})
	run := func(name string) {
		t.Helper()
		created, err := o.Container().Tasks.Create(task.Intent{Action: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := o.ExecuteTask(context.Background(), created, false); err != nil {
			t.Fatalf("execute %s: %v", name, err)
		}
	}

	run("good-one")
	if h := o.Health(); h.Verdict != VerdictHealthy {
		t.Fatalf("all-success traffic must be healthy, got %s", h.Verdict)
	}

	fail = true
	run("bad-one")
	h := o.Health()
	if h.Verdict != VerdictDegraded {
		t.Fatalf("0.5 success rate must degrade, got %s", h.Verdict)
	}

	run("bad-two")
	if h := o.Health(); h.Verdict != VerdictUnhealthy {
		t.Fatalf("success rate below half must be unhealthy, got %s", h.Verdict)
	}
}
