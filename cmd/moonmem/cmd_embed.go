package main

import (
	"context"

	"github.com/spf13/cobra"

	"moonmem/internal/embed"
	"moonmem/internal/state"
)

var (
	embedName          string
	embedMaxDocs       int
	embedDryRun        bool
	embedWatcherTrigger bool
)

var moonEmbedCmd = &cobra.Command{
	Use:   "moon-embed",
	Short: "Run one embed-worker cycle over pending mlib projections",
	RunE:  runMoonEmbed,
}

func init() {
	moonEmbedCmd.Flags().StringVar(&embedName, "name", "default", "collection name")
	moonEmbedCmd.Flags().IntVar(&embedMaxDocs, "max-docs", 0, "override embed.max_docs for this run (0: use config)")
	moonEmbedCmd.Flags().BoolVar(&embedDryRun, "dry-run", false, "select pending docs without embedding them")
	moonEmbedCmd.Flags().BoolVar(&embedWatcherTrigger, "watcher-trigger", false, "run under Watcher caller mode instead of Manual")
}

func runMoonEmbed(cmd *cobra.Command, args []string) error {
	p, cfg, r, err := bootstrap("moon-embed")
	if err != nil {
		return failHard("moon-embed", err)
	}

	st, err := state.Load(p.StateFile)
	if err != nil {
		r.AddIssue("load state: %v", err)
		return finish(r)
	}

	maxDocs := int(cfg.Embed.MaxDocs)
	if embedMaxDocs > 0 {
		maxDocs = embedMaxDocs
	}
	mode := embed.Manual
	if embedWatcherTrigger {
		mode = embed.Watcher
	}

	out, err := embed.Run(context.Background(), p, st, embed.Input{
		Collection:     embedName,
		MaxDocs:        maxDocs,
		DryRun:         embedDryRun,
		Mode:           mode,
		CooldownSecs:   cfg.Embed.CooldownSecs,
		MinPendingDocs: int(cfg.Embed.MinPendingDocs),
	})
	if err != nil {
		r.AddIssue("embed cycle: %v", err)
		return finish(r)
	}

	if out.SkipReason != "" {
		r.AddDetail("skipped: %s", out.SkipReason)
	}
	r.AddDetail("pending_before=%d pending_after=%d selected=%d attempted=%d degraded=%v elapsed_ms=%d",
		out.PendingBefore, out.PendingAfter, len(out.Selected), out.NAttempted, out.Degraded, out.ElapsedMillis)
	if out.Degraded {
		r.AddIssue("embed cycle degraded: %s", out.SkipReason)
	}

	return finish(r)
}
