// Package workflow composes tasks into sequential, parallel, or conditional
// executions and tracks workflow-level status aggregated from the steps.
package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/embermill/conductor/internal/task"
)

// Mode selects how a workflow's steps are composed.
type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModeParallel    Mode = "parallel"
	ModeConditional Mode = "conditional"
)

func validMode(m Mode) bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConditional:
		return true
	default:
		return false
	}
}

// Predicate gates a conditional step. It is evaluated against the live
// execution context immediately before the step would run.
type Predicate func(ec *task.ExecutionContext) bool

// Step wraps one task inside a workflow. Optional steps may fail without
// failing the workflow; Predicate applies only under ModeConditional.
type Step struct {
	Task      *task.Task
	Predicate Predicate
	Optional  bool
}

// Workflow is an ordered sequence of steps. It belongs to the caller until
// submitted and to the engine while executing.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Mode        Mode
	Steps       []Step
	Status      task.Status
}

// New validates and builds a workflow.
func New(name, description string, mode Mode, steps []Step) (*Workflow, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("workflow: name is required")
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("workflow: unknown mode %q", mode)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow: at least one step is required for %s", trimmed)
	}
	for i, step := range steps {
		if step.Task == nil {
			return nil, fmt.Errorf("workflow: step %d of %s has no task", i, trimmed)
		}
	}
	return &Workflow{
		ID:          uuid.NewString(),
		Name:        trimmed,
		Description: strings.TrimSpace(description),
		Mode:        mode,
		Steps:       steps,
		Status:      task.StatusPending,
	}, nil
}

// HighestPriority returns the strongest step priority, used when the whole
// workflow is queued as one unit.
func (w *Workflow) HighestPriority() task.Priority {
	highest := task.PriorityLow
	for _, step := range w.Steps {
		if step.Task.Priority > highest {
			highest = step.Task.Priority
		}
	}
	return highest
}

// ComposeStrategy selects how Compose merges workflows.
type ComposeStrategy string

const (
	// ComposeSequential concatenates workflows end to end.
	ComposeSequential ComposeStrategy = "sequential"
	// ComposeParallel interleaves workflows round-robin into one parallel
	// workflow.
	ComposeParallel ComposeStrategy = "parallel"
)

// Compose merges already-valid workflows into one without re-validating their
// steps.
func Compose(workflows []*Workflow, strategy ComposeStrategy) (*Workflow, error) {
	if len(workflows) == 0 {
		return nil, fmt.Errorf("workflow: compose needs at least one workflow")
	}
	names := make([]string, 0, len(workflows))
	for _, wf := range workflows {
		if wf == nil {
			return nil, fmt.Errorf("workflow: compose received a nil workflow")
		}
		names = append(names, wf.Name)
	}
	merged := &Workflow{
		ID:          uuid.NewString(),
		Name:        strings.Join(names, "+"),
		Description: fmt.Sprintf("composed from %d workflows", len(workflows)),
		Status:      task.StatusPending,
	}
	switch strategy {
	case ComposeSequential:
		merged.Mode = ModeSequential
		for _, wf := range workflows {
			merged.Steps = append(merged.Steps, wf.Steps...)
		}
	case ComposeParallel:
		merged.Mode = ModeParallel
		for round := 0; ; round++ {
			appended := false
			for _, wf := range workflows {
				if round < len(wf.Steps) {
					merged.Steps = append(merged.Steps, wf.Steps[round])
					appended = true
				}
			}
			if !appended {
				break
			}
		}
	default:
		return nil, fmt.Errorf("workflow: unknown compose strategy %q", strategy)
	}
	return merged, nil
}
