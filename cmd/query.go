package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmoray/ragcore/internal/rag"
)

var (
	flagLimit        int
	flagSemanticOnly bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search indexed documents without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&flagLimit, "limit", "n", 5, "maximum results")
	queryCmd.Flags().BoolVar(&flagSemanticOnly, "semantic-only", false, "skip the keyword search path")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	hits, err := a.engine.Search(ctx, rag.QueryRequest{
		Query:        strings.Join(args, " "),
		Limit:        flagLimit,
		SemanticOnly: flagSemanticOnly,
	})
	if err != nil {
		return err
	}

	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%d. [%.3f] %s (chunk %d)\n", i+1, h.CombinedScore, h.DocumentID, h.ChunkIndex)
		fmt.Printf("   %s\n", preview(h.Content, 200))
	}
	return nil
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
