// Package main implements the moonmem CLI - the boundary surface over the
// conversation-memory engine (watcher, archive, distill, embed, indexer).
//
// # File Index
//
// Entry Point & Global State:
//   - main.go          - Entry point, rootCmd, global flags, bootstrap()
//
// Install / Host Wiring:
//   - cmd_install.go   - installCmd, verifyCmd, repairCmd, postUpgradeCmd
//
// Status & Health:
//   - cmd_status.go    - statusCmd, moonStatusCmd, moonStopCmd, moonHealthCmd, configCmd
//
// Watcher Daemon:
//   - cmd_watch.go     - moonWatchCmd
//
// Archive & Index:
//   - cmd_snapshot.go  - moonSnapshotCmd, moonIndexCmd
//
// Embedding:
//   - cmd_embed.go     - moonEmbedCmd
//
// Recall:
//   - cmd_recall.go    - moonRecallCmd
//
// Distillation:
//   - cmd_distill.go   - moonDistillCmd
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"moonmem/internal/cliutil"
	"moonmem/internal/config"
	"moonmem/internal/logging"
	"moonmem/internal/paths"
)

// buildUUID is baked in at release build time via
// -ldflags "-X main.buildUUID=<uuid>". Health checks compare the running
// binary's value against the one a live daemon wrote into its lock payload
// at startup (§5), so a post-upgrade binary swap under a still-running
// daemon is detectable before it causes schema drift.
var buildUUID = "dev-build"

var (
	jsonOutput       bool
	allowOutOfBounds bool
)

var rootCmd = &cobra.Command{
	Use:           "moonmem",
	Short:         "moonmem - conversation-memory engine for an LLM agent host",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON reports")
	rootCmd.PersistentFlags().BoolVar(&allowOutOfBounds, "allow-out-of-bounds", false,
		"demote unrecognised MOON_* environment variables from issues to details")

	rootCmd.AddCommand(
		installCmd,
		verifyCmd,
		repairCmd,
		postUpgradeCmd,
		statusCmd,
		moonStatusCmd,
		moonStopCmd,
		moonHealthCmd,
		configCmd,
		moonSnapshotCmd,
		moonIndexCmd,
		moonWatchCmd,
		moonEmbedCmd,
		moonRecallCmd,
		moonDistillCmd,
	)
}

// exitCode is set by finish/failHard and read back by main after
// rootCmd.Execute returns, so the process exits exactly once, in one place,
// the way the teacher's own main() does for its single top-level error path.
// RunE functions never call os.Exit themselves, which keeps them directly
// callable from tests.
var exitCode int

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

// bootstrap resolves paths and config, initializes logging, and runs the
// startup environment audit (§4.1), folding unrecognised MOON_* variables
// into r as issues unless --allow-out-of-bounds demotes them to details.
// A non-nil error here means paths/config could not even be resolved;
// callers treat that as an unexpected error (exit 1), not a report failure.
func bootstrap(command string) (*paths.Paths, *config.Config, *cliutil.CommandReport, error) {
	r := cliutil.New(command)

	p, err := paths.Resolve()
	if err != nil {
		return nil, nil, r, fmt.Errorf("resolve paths: %w", err)
	}
	if err := p.EnsureDirs(); err != nil {
		return nil, nil, r, fmt.Errorf("ensure moon_home directories: %w", err)
	}

	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, nil, r, fmt.Errorf("load config: %w", err)
	}

	if err := logging.Initialize(p.MoonHome, logging.Settings{
		DebugMode:  cfg.DebugMode,
		Categories: cfg.Categories,
		Level:      cfg.LogLevel,
		JSONFormat: cfg.LogJSON,
	}); err != nil {
		r.AddIssue("logging init failed: %v", err)
	}

	for _, w := range config.AuditEnvironment(os.Environ()) {
		if allowOutOfBounds {
			r.AddDetail("environment audit: %s", w)
		} else {
			r.AddIssue("environment audit: %s", w)
		}
	}

	return p, cfg, r, nil
}

// finish prints r and records its contract-mandated exit code: 0 when ok,
// 2 otherwise (§7). RunE functions call this as their last step and return
// its result; main reads exitCode back once Execute returns.
func finish(r *cliutil.CommandReport) error {
	r.Print(jsonOutput)
	exitCode = r.ExitCode()
	return nil
}

// failHard reports an unexpected error that happened before a full report
// could even be assembled, and records exit code 1 per §7's exit-code rule.
func failHard(command string, err error) error {
	r := cliutil.New(command)
	r.AddIssue("unexpected error: %v", err)
	r.Print(jsonOutput)
	exitCode = 1
	return nil
}
