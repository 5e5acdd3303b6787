package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"moonmem/internal/distill"
	"moonmem/internal/state"
	"moonmem/internal/threshold"
	"moonmem/internal/watcher"
)

var (
	watchOnce       bool
	watchDaemon     bool
	watchDistillNow bool
	watchDryRun     bool
)

var moonWatchCmd = &cobra.Command{
	Use:   "moon-watch",
	Short: "Run the watcher cycle orchestrator once or as a daemon",
	RunE:  runMoonWatch,
}

func init() {
	moonWatchCmd.Flags().BoolVar(&watchOnce, "once", false, "run a single cycle and exit (default)")
	moonWatchCmd.Flags().BoolVar(&watchDaemon, "daemon", false, "run the poll loop until stopped or signalled")
	moonWatchCmd.Flags().BoolVar(&watchDistillNow, "distill-now", false, "force L2 synthesis this cycle regardless of idle/daily scheduling")
	moonWatchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "report what a cycle would do without writing archives, state, or memory")
}

func runMoonWatch(cmd *cobra.Command, args []string) error {
	p, cfg, r, err := bootstrap("moon-watch")
	if err != nil {
		return failHard("moon-watch", err)
	}

	if watchOnce && watchDaemon {
		r.AddIssue("--once and --daemon are mutually exclusive")
		return finish(r)
	}

	d := watcher.NewDeps(p, cfg, buildUUID)
	defer d.Close()

	if watchDaemon {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := watcher.RunDaemon(ctx, d); err != nil {
			r.AddIssue("daemon exited: %v", err)
			return finish(r)
		}
		r.AddDetail("daemon stopped cleanly")
		return finish(r)
	}

	// RunOnce always persists state at the end of its single pass, so a
	// --dry-run preview is answered by re-running just the read-only usage
	// collection and trigger evaluation steps, never the mutating ones.
	if watchDryRun {
		st, err := state.Load(p.StateFile)
		if err != nil {
			r.AddIssue("load state: %v", err)
			return finish(r)
		}
		batch, batchErr := d.Usage.CollectBatch(context.Background())
		snap := batch.Current
		if batchErr != nil {
			snap, err = d.Usage.CollectCurrent(context.Background())
			if err != nil {
				r.AddIssue("collect usage: %v", err)
				return finish(r)
			}
		}
		triggers := threshold.Evaluate(cfg, st, snap)
		names := make([]string, len(triggers))
		for i, t := range triggers {
			names[i] = t.String()
		}
		r.AddDetail("dry-run: usage_ratio=%.4f triggers=%v (no archive, state, or memory writes performed)", snap.UsageRatio, names)
		return finish(r)
	}

	out, err := watcher.RunOnce(context.Background(), d)
	if err != nil {
		r.AddIssue("watch cycle failed: %v", err)
		return finish(r)
	}

	r.AddDetail("triggers=%v", out.Triggers)
	if out.ArchivePath != "" {
		r.AddDetail("archived=%s indexed=%v", out.ArchivePath, out.ArchiveIndexed)
	}
	if out.CompactionResult != "" {
		r.AddDetail("compaction=%s", out.CompactionResult)
	}
	r.AddDetail("distill_count=%d", out.DistillCount)
	if out.RetentionResult != "" {
		r.AddDetail("retention=%s", out.RetentionResult)
	}

	if watchDistillNow {
		synOut, err := distill.Synthesize(p, distill.SynthesisInput{
			Trigger: "moon-watch --distill-now",
			DryRun:  watchDryRun,
		})
		if err != nil {
			r.AddIssue("forced synthesis: %v", err)
		} else {
			r.AddDetail("synthesis provider=%s wrote=%v", synOut.Provider, synOut.Wrote)
		}
	}

	return finish(r)
}
