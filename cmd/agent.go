package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmoray/ragcore/internal/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent [goal]",
	Short: "Plan and execute a multi-step task with tools",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	registry, err := agent.DefaultRegistry(a.cfg.AgentWorkDir)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	planner := agent.NewPlanner(a.llm, registry, agent.Config{MaxSteps: a.cfg.AgentMaxSteps}, a.logger)

	goal := strings.Join(args, " ")
	plan, err := planner.CreatePlan(ctx, goal)
	if err != nil {
		return err
	}

	fmt.Printf("Plan (%d steps):\n", len(plan.Steps))
	for _, s := range plan.Steps {
		marker := " "
		if s.Critical {
			marker = "!"
		}
		fmt.Printf("  %s %d. %s (%s.%s)\n", marker, s.ID, s.Description, s.Category, s.Method)
	}
	fmt.Println()

	for ev := range planner.ExecutePlan(ctx, plan) {
		switch ev.Type {
		case agent.EventStepStarted:
			fmt.Printf("[%d] %s...\n", ev.Step.ID, ev.Step.Description)
		case agent.EventStepCompleted:
			if ev.Output != "" {
				fmt.Printf("%s\n", ev.Output)
			}
		case agent.EventStepFailed:
			fmt.Printf("[%d] failed: %v\n", ev.Step.ID, ev.Err)
		case agent.EventPlanAborted:
			return fmt.Errorf("plan aborted at step %d: %w", ev.Step.ID, ev.Err)
		case agent.EventPlanCompleted:
			fmt.Println("plan completed")
		}
	}
	return nil
}
