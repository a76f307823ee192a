package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/rag"
)

var flagShowSources bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question answered from the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&flagShowSources, "sources", false, "print the supporting chunks")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ans, err := a.engine.StreamQuery(ctx, rag.QueryRequest{
		Query: strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	for ev := range ans.Events {
		switch ev.Type {
		case llm.StreamContent:
			fmt.Print(ev.Content)
		case llm.StreamDone:
			fmt.Println()
			if ev.Err != nil {
				return ev.Err
			}
		}
	}

	if flagShowSources {
		fmt.Println("\nSources:")
		for i, s := range ans.Sources {
			fmt.Printf("  %d. %s (chunk %d, score %.3f)\n", i+1, s.DocumentID, s.ChunkIndex, s.CombinedScore)
		}
	}
	return nil
}
