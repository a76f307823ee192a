package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// DefaultRegistry builds the registry with the built-in tool set rooted
// at dir. All file paths are resolved under dir; escapes are rejected.
func DefaultRegistry(dir string) (*Registry, error) {
	r := NewRegistry()

	register := func(category, method string, tool Tool) error {
		return r.Register(category, method, tool)
	}

	if err := register(CategoryFile, "read", Tool{
		Description: "read a file relative to the workspace",
		Params:      map[string]ParamSpec{"path": {Type: ParamString, Required: true}},
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			path, err := resolvePath(dir, stringParam(params, "path"))
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategoryFile, "list", Tool{
		Description: "list directory entries relative to the workspace",
		Params:      map[string]ParamSpec{"path": {Type: ParamString}},
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			rel := stringParam(params, "path")
			if rel == "" {
				rel = "."
			}
			path, err := resolvePath(dir, rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategoryGit, "status", Tool{
		Description: "show the git working tree status",
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			return runGit(ctx, dir, "status", "--short", "--branch")
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategoryGit, "log", Tool{
		Description: "show recent commits",
		Params:      map[string]ParamSpec{"limit": {Type: ParamNumber}},
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			limit := numberParam(params, "limit", 10)
			return runGit(ctx, dir, "log", "--oneline", fmt.Sprintf("-n%d", limit))
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategoryProject, "info", Tool{
		Description: "summarize the workspace layout",
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			return projectInfo(dir)
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategorySystem, "info", Tool{
		Description: "report runtime platform details",
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			return fmt.Sprintf("os=%s arch=%s cpus=%d go=%s",
				runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version()), nil
		},
	}); err != nil {
		return nil, err
	}

	if err := register(CategorySystem, "time", Tool{
		Description: "report the current time",
		Fn: func(ctx context.Context, params map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// resolvePath joins rel under root and rejects traversal outside it.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	joined := filepath.Join(root, rel)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return absPath, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func projectInfo(dir string) (string, error) {
	var files, dirs int
	byExt := make(map[string]int)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			dirs++
			return nil
		}
		files++
		if ext := filepath.Ext(name); ext != "" {
			byExt[ext]++
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	exts := make([]string, 0, len(byExt))
	for ext := range byExt {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return byExt[exts[i]] > byExt[exts[j]] })
	if len(exts) > 5 {
		exts = exts[:5]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "files=%d dirs=%d", files, dirs)
	for _, ext := range exts {
		fmt.Fprintf(&b, " %s=%d", ext, byExt[ext])
	}
	return b.String(), nil
}
