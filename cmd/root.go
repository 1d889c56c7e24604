// Package cmd wires the razel command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/razelbuild/razel/internal/config"
)

// Version is stamped by the release build.
var Version = "0.1.0"

var (
	flagCacheDir  string
	flagRemote    []string
	flagThreshold float64
	flagJobs      int
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "razel",
	Short:         "Command executor with content-addressed caching",
	Long:          "razel — execute and cache a graph of commands and built-in tasks.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagCacheDir, "cache-dir", "", "Cache directory (default: user cache dir)")
	pf.StringSliceVar(&flagRemote, "remote-cache", nil, "Remote cache URLs in preference order")
	pf.Float64Var(&flagThreshold, "remote-cache-threshold", 0, "Skip uploads above output_bytes/exec_ms")
	pf.IntVarP(&flagJobs, "jobs", "j", 0, "Parallel jobs (default: logical CPUs)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Show output of all commands")
}

func cliFlags() config.Flags {
	return config.Flags{
		CacheDir:             flagCacheDir,
		RemoteCache:          flagRemote,
		RemoteCacheThreshold: flagThreshold,
		Jobs:                 flagJobs,
		Verbose:              flagVerbose,
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
