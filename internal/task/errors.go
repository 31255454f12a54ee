package task

import "fmt"

// ValidationError reports an invalid task field. It is surfaced immediately
// to the caller and never retried.
type ValidationError struct {
	Field      string
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("task: invalid %s: %s", e.Field, e.Reason)
	if e.Suggestion != "" {
		msg += " (" + e.Suggestion + ")"
	}
	return msg
}

// NotFoundError reports a lookup of an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task: %s not found", e.ID)
}

// TerminalStateError reports an operation against a task that already reached
// a terminal status.
type TerminalStateError struct {
	ID     string
	Status Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("task: %s is already %s and cannot change state", e.ID, e.Status)
}
