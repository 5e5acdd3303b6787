package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"moonmem/internal/host"
	"moonmem/internal/indexer"
	"moonmem/internal/lock"
	"moonmem/internal/paths"
	"moonmem/internal/state"
)

var configShow bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Alias for moon-status",
	RunE:  runMoonStatus,
}

var moonStatusCmd = &cobra.Command{
	Use:   "moon-status",
	Short: "Report engine state, daemon liveness, and build-uuid skew",
	RunE:  runMoonStatus,
}

var moonStopCmd = &cobra.Command{
	Use:   "moon-stop",
	Short: "Signal a running moon-watch daemon to shut down",
	RunE:  runMoonStop,
}

var moonHealthCmd = &cobra.Command{
	Use:   "moon-health",
	Short: "Probe indexer embed capability and host reachability",
	RunE:  runMoonHealth,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShow, "show", false, "print every resolved field (default: summary only)")
}

func runMoonStatus(cmd *cobra.Command, args []string) error {
	p, cfg, r, err := bootstrap("moon-status")
	if err != nil {
		return failHard("moon-status", err)
	}

	st, err := state.Load(p.StateFile)
	if err != nil {
		r.AddIssue("load state: %v", err)
		return finish(r)
	}

	r.AddDetail("build_uuid=%s", buildUUID)
	r.AddDetail("last_heartbeat_epoch_secs=%d", st.LastHeartbeatEpochSecs)
	r.AddDetail("last_session_id=%s", st.LastSessionID)
	r.AddDetail("last_usage_ratio=%.4f", st.LastUsageRatio)
	r.AddDetail("distilled_archives=%d embedded_projections=%d", len(st.DistilledArchives), len(st.EmbeddedProjections))
	r.AddDetail("distill_mode=%s trigger_ratio=%.2f", cfg.Distill.Mode, cfg.Thresholds.TriggerRatio)

	payload, err := lock.ReadPayload(p.DaemonLockFile())
	switch {
	case os.IsNotExist(err):
		r.AddDetail("daemon: not running")
	case err != nil:
		r.AddIssue("read daemon lock: %v", err)
	default:
		alive := lock.PIDAlive(payload.PID)
		r.AddDetail("daemon: pid=%d alive=%v started_at=%d build_uuid=%s", payload.PID, alive, payload.StartedAt, payload.BuildUUID)
		if alive && payload.BuildUUID != "" && payload.BuildUUID != buildUUID {
			r.AddIssue("daemon build_uuid=%s differs from this binary's build_uuid=%s; run post-upgrade", payload.BuildUUID, buildUUID)
		}
	}

	return finish(r)
}

func runMoonStop(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-stop")
	if err != nil {
		return failHard("moon-stop", err)
	}

	payload, err := lock.ReadPayload(p.DaemonLockFile())
	if os.IsNotExist(err) {
		r.AddDetail("no daemon lock present, nothing to stop")
		return finish(r)
	}
	if err != nil {
		r.AddIssue("read daemon lock: %v", err)
		return finish(r)
	}
	if !lock.PIDAlive(payload.PID) {
		r.AddDetail("daemon lock pid=%d is not alive, nothing to stop", payload.PID)
		return finish(r)
	}

	proc, err := os.FindProcess(payload.PID)
	if err != nil {
		r.AddIssue("find daemon process pid=%d: %v", payload.PID, err)
		return finish(r)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		r.AddIssue("signal daemon pid=%d: %v", payload.PID, err)
		return finish(r)
	}
	r.AddDetail("sent interrupt to daemon pid=%d", payload.PID)
	return finish(r)
}

func runMoonHealth(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-health")
	if err != nil {
		return failHard("moon-health", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), hostCallTimeout)
	defer cancel()

	idx := indexerBridge(p)
	switch idx.ProbeEmbedCapability(ctx) {
	case indexer.Bounded:
		r.AddDetail("indexer embed capability: bounded")
	case indexer.UnboundedOnly:
		r.AddDetail("indexer embed capability: unbounded-only")
		r.AddIssue("indexer %s lacks a bounded embed subcommand", p.IndexerBin)
	default:
		r.AddIssue("indexer %s has no usable embed subcommand", p.IndexerBin)
	}

	h := newHostBridge()
	if out, err := h.Doctor(ctx, true); err != nil {
		r.AddIssue("host doctor: %v", err)
	} else {
		r.AddDetail("host doctor: %s", firstLine(out))
	}

	payload, err := lock.ReadPayload(p.DaemonLockFile())
	switch {
	case os.IsNotExist(err):
		r.AddDetail("daemon: not running")
	case err != nil:
		r.AddIssue("read daemon lock: %v", err)
	case !lock.PIDAlive(payload.PID):
		r.AddIssue("daemon lock present but pid=%d is not alive", payload.PID)
	case payload.BuildUUID != "" && payload.BuildUUID != buildUUID:
		r.AddIssue("daemon build_uuid=%s differs from this binary's build_uuid=%s; run post-upgrade", payload.BuildUUID, buildUUID)
	default:
		r.AddDetail("daemon: running, build_uuid matches")
	}

	return finish(r)
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func runConfig(cmd *cobra.Command, args []string) error {
	_, cfg, r, err := bootstrap("config")
	if err != nil {
		return failHard("config", err)
	}

	r.AddDetail("thresholds.trigger_ratio=%.2f", cfg.Thresholds.TriggerRatio)
	r.AddDetail("watcher.poll_interval_secs=%d watcher.cooldown_secs=%d", cfg.Watcher.PollIntervalSecs, cfg.Watcher.CooldownSecs)
	r.AddDetail("distill.mode=%s distill.idle_secs=%d", cfg.Distill.Mode, cfg.Distill.IdleSecs)
	r.AddDetail("retention.active_days=%d warm_days=%d cold_days=%d", cfg.Retention.ActiveDays, cfg.Retention.WarmDays, cfg.Retention.ColdDays)
	r.AddDetail("embed.mode=%s embed.max_docs=%d", cfg.Embed.Mode, cfg.Embed.MaxDocs)

	if configShow {
		r.AddDetail("log_level=%s log_json=%v debug_mode=%v", cfg.LogLevel, cfg.LogJSON, cfg.DebugMode)
		if cfg.Context != nil {
			r.AddDetail("context.window_mode=%s window_tokens=%d authority=%s", cfg.Context.WindowMode, cfg.Context.WindowTokens, cfg.Context.CompactionAuthority)
		}
	}

	return finish(r)
}

func indexerBridge(p *paths.Paths) *indexer.Bridge {
	return indexer.New(p.IndexerBin)
}

func newHostBridge() *host.Bridge {
	return host.New(resolveHostBin())
}
