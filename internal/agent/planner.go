// Package agent plans and executes multi-step tasks. The planner asks
// the model for a JSON step list, extracts it from whatever shape the
// model returns, and dispatches each step through an allow-listed tool
// registry, streaming progress events to the caller.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/log"
)

// ChatClient is the language model surface the planner needs.
type ChatClient interface {
	Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, error)
}

// Config controls planning and execution.
type Config struct {
	MaxSteps    int     // plan length cap (default: 10)
	Temperature float64 // planning temperature (default: 0.1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxSteps: 10, Temperature: 0.1}
}

// Planner turns a goal into a plan and executes it.
type Planner struct {
	client   ChatClient
	registry *Registry
	cfg      Config
	logger   log.Logger
}

// NewPlanner creates a planner over the given model client and registry.
func NewPlanner(client ChatClient, registry *Registry, cfg Config, logger log.Logger) *Planner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Planner{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
	}
}

const planSystemPrompt = `You are a task planner. Break the user's goal into a short ordered list of tool calls.

Available tools:
%s

Respond with ONLY a JSON array of steps. Each step:
{"id": 1, "description": "...", "category": "file", "method": "read", "params": {"path": "main.go"}, "critical": true}

Rules:
- Use only the tools listed above.
- At most %d steps.
- Mark a step "critical": true when later steps depend on its output.`

// CreatePlan asks the model to decompose the goal into tool-call steps.
func (p *Planner) CreatePlan(ctx context.Context, goal string) (*Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}

	system := fmt.Sprintf(planSystemPrompt, strings.Join(p.registry.Describe(), "\n"), p.cfg.MaxSteps)
	raw, err := p.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: goal},
	}, llm.ChatOptions{Temperature: p.cfg.Temperature, JSONFormat: true})
	if err != nil {
		return nil, fmt.Errorf("plan goal: %w", err)
	}

	steps, err := ExtractSteps(raw)
	if err != nil {
		p.logger.Warn("plan output unparseable", "error", err)
		return nil, err
	}

	if len(steps) > p.cfg.MaxSteps {
		steps = steps[:p.cfg.MaxSteps]
	}
	for i := range steps {
		steps[i].ID = i + 1
	}

	p.logger.Info("plan created", "goal", goal, "steps", len(steps))
	return &Plan{Goal: goal, Steps: steps}, nil
}

// ExtractSteps pulls a step array out of raw model output. Three
// strategies are tried in order: parse the whole output, scan for a
// balanced bracketed array, and unwrap a fenced code block. When all
// fail the result is a PlanParseError.
func ExtractSteps(raw string) ([]Step, error) {
	trimmed := strings.TrimSpace(raw)

	var steps []Step
	if err := json.Unmarshal([]byte(trimmed), &steps); err == nil {
		return steps, nil
	}

	if candidate := scanArray(trimmed); candidate != "" {
		if err := json.Unmarshal([]byte(candidate), &steps); err == nil {
			return steps, nil
		}
	}

	if inner := unfence(trimmed); inner != "" {
		if err := json.Unmarshal([]byte(inner), &steps); err == nil {
			return steps, nil
		}
		if candidate := scanArray(inner); candidate != "" {
			if err := json.Unmarshal([]byte(candidate), &steps); err == nil {
				return steps, nil
			}
		}
	}

	short := trimmed
	if len(short) > 200 {
		short = short[:200]
	}
	return nil, &PlanParseError{Raw: short, Err: fmt.Errorf("no step array found in model output")}
}

// scanArray finds the first balanced top-level JSON array in s. Bracket
// depth is tracked outside string literals so prose around the array is
// ignored.
func scanArray(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// unfence strips a Markdown code fence, with or without a language tag.
func unfence(s string) string {
	idx := strings.Index(s, "```")
	if idx < 0 {
		return ""
	}
	rest := s[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line if present.
		first := strings.TrimSpace(rest[:nl])
		if first != "" && !strings.HasPrefix(first, "[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// ExecutePlan runs the plan's steps in order, emitting an event per
// transition. A failed critical step aborts the remaining steps with a
// plan_aborted event; non-critical failures are reported and skipped.
// The returned channel closes when execution finishes or ctx is
// canceled.
func (p *Planner) ExecutePlan(ctx context.Context, plan *Plan) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		for i := range plan.Steps {
			step := &plan.Steps[i]

			if ctx.Err() != nil {
				return
			}
			if !emit(ctx, events, Event{Type: EventStepStarted, Step: step}) {
				return
			}

			out, err := p.registry.Dispatch(ctx, *step)
			if err != nil {
				p.logger.Warn("step failed", "step", step.ID, "tool", step.Category+"."+step.Method, "error", err)
				if !emit(ctx, events, Event{Type: EventStepFailed, Step: step, Err: err}) {
					return
				}
				if step.Critical {
					emit(ctx, events, Event{Type: EventPlanAborted, Step: step, Err: err})
					return
				}
				continue
			}

			if !emit(ctx, events, Event{Type: EventStepCompleted, Step: step, Output: out}) {
				return
			}
		}

		emit(ctx, events, Event{Type: EventPlanCompleted})
	}()

	return events
}

func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
