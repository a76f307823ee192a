package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nmoray/ragcore/internal/rag"
)

// supportedExtensions limits file indexing to formats the processor
// understands as text.
var supportedExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".json": true, ".yaml": true, ".yml": true,
	".sql": true, ".sh": true, ".html": true, ".css": true,
}

var indexCmd = &cobra.Command{
	Use:   "index [path...]",
	Short: "Index files or directories into the document store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var indexed, skipped, failed int
	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if strings.HasPrefix(name, ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			res, err := indexFile(ctx, a, path)
			switch {
			case err != nil:
				failed++
				a.logger.Warn("index failed", "path", path, "error", err)
			case res.Skipped:
				skipped++
			default:
				indexed++
				fmt.Printf("indexed %s (v%d, %d chunks, %s)\n", path, res.Version, res.Chunks, res.Type)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walking %q: %w", root, err)
		}
	}

	fmt.Printf("done: %d indexed, %d unchanged, %d failed\n", indexed, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%d files failed to index", failed)
	}
	return nil
}

func indexFile(ctx context.Context, a *app, path string) (*rag.IndexResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return a.engine.Index(ctx, rag.IndexRequest{
		DocumentID: abs,
		Content:    string(data),
		Metadata: map[string]string{
			"source": "file",
			"path":   abs,
		},
	})
}
