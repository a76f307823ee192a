package agent

// Step is one unit of work in a plan. The model fills in the tool
// coordinates; Critical marks steps whose failure aborts the plan.
type Step struct {
	ID          int            `json:"id"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params,omitempty"`
	Critical    bool           `json:"critical,omitempty"`
}

// Plan is an ordered list of steps toward a goal.
type Plan struct {
	Goal  string
	Steps []Step
}

// EventType represents the type of execution event.
type EventType int

const (
	EventStepStarted EventType = iota
	EventStepCompleted
	EventStepFailed
	EventPlanAborted
	EventPlanCompleted
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventStepStarted:
		return "step_started"
	case EventStepCompleted:
		return "step_completed"
	case EventStepFailed:
		return "step_failed"
	case EventPlanAborted:
		return "plan_aborted"
	case EventPlanCompleted:
		return "plan_completed"
	default:
		return "unknown"
	}
}

// Event is emitted by Planner.ExecutePlan through the event channel.
type Event struct {
	Type   EventType
	Step   *Step
	Output string
	Err    error
}
