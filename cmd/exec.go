package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/razelbuild/razel/internal/buildfile"
	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/config"
	"github.com/razelbuild/razel/internal/engine"
	"github.com/razelbuild/razel/internal/events"
	"github.com/razelbuild/razel/internal/graph"
	"github.com/razelbuild/razel/internal/remote"
	"github.com/razelbuild/razel/internal/workspace"
)

var (
	execFile           string
	execFilterRegex    []string
	execFilterRegexAll []string
	execInfo           bool
)

var execCmd = &cobra.Command{
	Use:   "exec [targets...]",
	Short: "Execute commands from a build file",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := runExec(cmd.Context(), args)
		if err != nil {
			return err
		}
		if summary.ExitCode != 0 {
			os.Exit(summary.ExitCode)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVarP(&execFile, "file", "f", "razel.jsonl", "Build file to execute")
	execCmd.Flags().StringArrayVar(&execFilterRegex, "filter-regex", nil, "Keep commands matching any regex")
	execCmd.Flags().StringArrayVar(&execFilterRegexAll, "filter-regex-all", nil, "Keep commands matching all regexes")
	execCmd.Flags().BoolVar(&execInfo, "info", false, "List commands instead of executing")
	rootCmd.AddCommand(execCmd)
}

func runExec(ctx context.Context, targets []string) (*engine.Summary, error) {
	logger := newLogger()
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Resolve(cwd, cliFlags())
	if err != nil {
		return nil, err
	}

	g := graph.New()
	loader := buildfile.NewLoader(g)
	if err := loader.LoadFile(execFile); err != nil {
		return nil, err
	}
	if err := loader.Finish(); err != nil {
		return nil, err
	}
	logger.Debug("build file loaded", "commands", g.Len())

	selected, err := graph.Select(g, graph.FilterSpec{
		Patterns: targets,
		Regex:    execFilterRegex,
		RegexAll: execFilterRegexAll,
	})
	if err != nil {
		return nil, err
	}

	if execInfo {
		for _, c := range g.Commands() {
			if selected[c.ID] {
				fmt.Println(c.Name)
			}
		}
		return &engine.Summary{}, nil
	}

	workspaceDir := filepath.Dir(execFile)
	if abs, err := filepath.Abs(workspaceDir); err == nil {
		workspaceDir = abs
	}
	outDir, err := workspace.NewOutDir(cwd)
	if err != nil {
		return nil, err
	}
	store, err := cache.New(cfg.CacheDir, logger)
	if err != nil {
		return nil, err
	}
	store.UploadThreshold = cfg.RemoteCacheThreshold
	if len(cfg.RemoteCache) > 0 {
		if backend := remote.Connect(ctx, cfg.RemoteCache, logger); backend != nil {
			store.SetRemote(backend)
		}
	}

	bus := events.NewBus(256, events.NewConsoleWriter(os.Stderr, cfg.Verbose))
	defer bus.Close()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	eng := engine.New(g, store, bus, cfg, workspaceDir, outDir, logger)
	if err := eng.CheckInputs(selected); err != nil {
		return nil, err
	}
	return eng.Run(runCtx, selected)
}
