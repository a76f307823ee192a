package agent

import "fmt"

// PlanParseError indicates the model's plan output could not be parsed
// as a step list after every extraction strategy was tried.
type PlanParseError struct {
	Raw string // raw model output, truncated for logging
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("parse plan: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// ToolExecutionError indicates a plan step's tool call failed.
type ToolExecutionError struct {
	Category string
	Method   string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("execute tool %s.%s: %v", e.Category, e.Method, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
