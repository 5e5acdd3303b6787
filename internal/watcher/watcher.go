// Package watcher drives the engine's cycle orchestrator (§4.8): one
// run-once pass chains inbound-watch, usage collection, trigger evaluation,
// archive/compaction handling, idle-mode distillation with continuity
// hand-off, and a retention sweep, saving state exactly once at the end.
// RunDaemon wraps run-once in an exclusive daemon lock and a poll loop with
// exponential backoff on failure.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"moonmem/internal/archive"
	"moonmem/internal/audit"
	"moonmem/internal/config"
	"moonmem/internal/continuity"
	"moonmem/internal/distill"
	"moonmem/internal/host"
	"moonmem/internal/indexer"
	"moonmem/internal/lock"
	"moonmem/internal/logging"
	"moonmem/internal/paths"
	"moonmem/internal/state"
	"moonmem/internal/threshold"
	"moonmem/internal/usage"
)

const (
	defaultHighTokenAlertThreshold = 1_000_000
	maxHighTokenAlertSessions      = 5
	compactionFanOutConcurrency   = 4
)

// Deps bundles the collaborators RunOnce needs. Built once by the caller
// (daemon startup or a single `moon-watch --once` invocation) and reused
// across cycles so the inbound fsnotify watcher persists between polls.
type Deps struct {
	Paths    *paths.Paths
	Config   *config.Config
	Archive  *archive.Store
	Indexer  *indexer.Bridge
	Host     *host.Bridge
	Usage    *usage.Collector
	BuildUUID string

	inbound      *inboundWatcher
	channelMapMu sync.Mutex
}

// NewDeps wires the collaborators from already-resolved paths/config.
func NewDeps(p *paths.Paths, cfg *config.Config, buildUUID string) *Deps {
	idx := indexer.New(p.IndexerBin)
	hostBin := resolveHostBin()
	return &Deps{
		Paths:     p,
		Config:    cfg,
		Archive:   archive.New(p.ArchivesDir, p.LedgerFile, idx),
		Indexer:   idx,
		Host:      host.New(hostBin),
		Usage:     usage.New(hostBin),
		BuildUUID: buildUUID,
	}
}

func resolveHostBin() string {
	if v := os.Getenv("OPENCLAW_BIN"); v != "" {
		return v
	}
	return "openclaw"
}

func (d *Deps) ensureInbound() error {
	if d.inbound != nil {
		return nil
	}
	w, err := newInboundWatcher()
	if err != nil {
		return err
	}
	d.inbound = w
	return nil
}

// Close releases the persistent inbound fsnotify watcher, if one was built.
func (d *Deps) Close() error {
	if d.inbound != nil {
		return d.inbound.Close()
	}
	return nil
}

// Outcome is the result of one run-once cycle, mirroring the fields a
// `moon-watch` invocation reports back to its caller.
type Outcome struct {
	StateFile          string
	HeartbeatEpochSecs int64
	PollIntervalSecs   uint64
	Triggers           []string
	InboundWatch       InboundWatchOutcome
	ArchivePath        string
	ArchiveIndexed     bool
	CompactionResult   string
	DistillCount       int
	RetentionResult    string
}

func isCompactionChannelSession(sessionID string) bool {
	return strings.Contains(sessionID, ":discord:channel:") || strings.Contains(sessionID, ":whatsapp:")
}

func isCooldownReady(lastEpoch int64, nowEpoch int64, cooldownSecs uint64) bool {
	if lastEpoch == 0 {
		return true
	}
	elapsed := nowEpoch - lastEpoch
	if elapsed < 0 {
		elapsed = 0
	}
	return uint64(elapsed) >= cooldownSecs
}

func highTokenAlertThreshold() uint64 {
	raw := strings.TrimSpace(os.Getenv("MOON_HIGH_TOKEN_ALERT_THRESHOLD"))
	if raw == "" {
		return defaultHighTokenAlertThreshold
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return defaultHighTokenAlertThreshold
	}
	return v
}

func dayKeyForEpoch(epochSecs int64) string {
	return time.Unix(epochSecs, 0).Local().Format("2006-01-02")
}

func latestSessionFile(sessionsDir string) (string, error) {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return "", fmt.Errorf("read sessions dir %s: %w", sessionsDir, err)
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(sessionsDir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no source session file found in %s", sessionsDir)
	}
	return best, nil
}

// RunOnce executes one full watch cycle (§4.8's 10-step sequence).
func RunOnce(ctx context.Context, d *Deps) (Outcome, error) {
	if err := d.ensureInbound(); err != nil {
		return Outcome{}, err
	}

	p, cfg := d.Paths, d.Config
	log := logging.Get(logging.CategoryWatcher)

	st, err := state.Load(p.StateFile)
	if err != nil {
		return Outcome{}, fmt.Errorf("load state: %w", err)
	}

	inboundOut, err := d.inbound.runInboundWatch(ctx, cfg, st, d.Host)
	if err != nil {
		log.Warn("inbound watch failed: %v", err)
	}

	batch, batchErr := d.Usage.CollectBatch(ctx)
	var snap usage.Snapshot
	if batchErr == nil {
		snap = batch.Current
	} else {
		snap, err = d.Usage.CollectCurrent(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("collect usage: %w", err)
		}
	}

	st.LastHeartbeatEpochSecs = snap.CapturedAtEpochSecs
	st.LastSessionID = snap.SessionID
	st.LastUsageRatio = snap.UsageRatio
	st.LastUsageProvider = snap.Provider

	if threshold := highTokenAlertThreshold(); threshold > 0 {
		candidates := batch.Sessions
		if batchErr != nil && snap.UsedTokens >= threshold {
			candidates = []usage.Snapshot{snap}
		}
		var hot []usage.Snapshot
		for _, s := range candidates {
			if s.UsedTokens >= threshold {
				hot = append(hot, s)
			}
		}
		if len(hot) > 0 {
			sort.Slice(hot, func(i, j int) bool { return hot[i].UsedTokens > hot[j].UsedTokens })
			if len(hot) > maxHighTokenAlertSessions {
				hot = hot[:maxHighTokenAlertSessions]
			}
			parts := make([]string, len(hot))
			for i, s := range hot {
				parts[i] = fmt.Sprintf("%s:%d:%.4f", s.SessionID, s.UsedTokens, s.UsageRatio)
			}
			audit.AppendEvent(p.LogsDir, "watcher", "alert", fmt.Sprintf("high-token usage threshold=%d sessions=%d top=%s", threshold, len(hot), strings.Join(parts, ",")))
		}
	}

	triggers := threshold.Evaluate(cfg, st, snap)
	triggerNames := make([]string, len(triggers))
	for i, t := range triggers {
		triggerNames[i] = t.String()
	}
	if len(triggers) > 0 {
		audit.AppendEvent(p.LogsDir, "watcher", "triggered", fmt.Sprintf("usage_ratio=%.4f, triggers=%v", snap.UsageRatio, triggerNames))
	}

	out := Outcome{
		PollIntervalSecs: cfg.Watcher.PollIntervalSecs,
		Triggers:         triggerNames,
		InboundWatch:     inboundOut,
	}

	// Step: archive trigger.
	needsArchive := false
	for _, t := range triggers {
		if t == threshold.Archive {
			needsArchive = true
		}
	}
	if needsArchive {
		if archiveOut, err := runArchiveTrigger(ctx, p, d.Archive); err != nil {
			log.Warn("archive trigger failed: %v", err)
		} else {
			st.LastArchiveTriggerEpochSecs = snap.CapturedAtEpochSecs
			out.ArchivePath = archiveOut.Record.ArchivePath
			out.ArchiveIndexed = archiveOut.Record.Indexed
		}
	}

	// Step: channel compaction fan-out.
	compactionResult, compactionHappened := runCompactionFanOut(ctx, d, st, snap, batch, batchErr)
	out.CompactionResult = compactionResult

	// Step: idle-mode distillation + continuity hand-off.
	distillCount := runDistillCycle(ctx, d, st, snap, compactionHappened)
	out.DistillCount = distillCount

	// Step: retention sweep.
	if summary, err := sweepRetention(ctx, d, st, snap.CapturedAtEpochSecs); err != nil {
		log.Warn("retention sweep failed: %v", err)
	} else if summary != "" {
		out.RetentionResult = summary
	}

	if err := st.Save(p.StateFile); err != nil {
		return Outcome{}, fmt.Errorf("save state: %w", err)
	}
	out.StateFile = p.StateFile
	out.HeartbeatEpochSecs = st.LastHeartbeatEpochSecs

	return out, nil
}

func runArchiveTrigger(ctx context.Context, p *paths.Paths, store *archive.Store) (archive.Outcome, error) {
	source, err := latestSessionFile(p.HostSessionsDir)
	if err != nil {
		return archive.Outcome{}, err
	}
	out, err := store.ArchiveAndIndex(ctx, source, "history")
	if err != nil {
		return archive.Outcome{}, err
	}
	status := "ok"
	if !out.Record.Indexed {
		status = "degraded"
	}
	audit.AppendEvent(p.LogsDir, "archive", status, fmt.Sprintf("archive=%s indexed=%t deduped=%t", out.Record.ArchivePath, out.Record.Indexed, out.Deduped))
	return out, nil
}

// compactionTarget is one channel session crossing the compaction ratio.
type compactionTarget struct {
	snapshot   usage.Snapshot
	sourcePath string
}

// runCompactionFanOut resolves compaction targets and processes them
// concurrently, each goroutine preserving the archive-before-map-upsert-
// before-compaction ordering internally (§5 rule b), bounded by a
// semaphore so the fan-out never exceeds compactionFanOutConcurrency.
func runCompactionFanOut(ctx context.Context, d *Deps, st *state.State, snap usage.Snapshot, batch usage.Batch, batchErr error) (string, bool) {
	p, cfg := d.Paths, d.Config

	cooldownReady := isCooldownReady(st.LastCompactionTriggerEpochSecs, snap.CapturedAtEpochSecs, cfg.Watcher.CooldownSecs)

	var candidates []usage.Snapshot
	if batchErr == nil {
		for _, s := range batch.Sessions {
			if isCompactionChannelSession(s.SessionID) && s.UsageRatio >= cfg.Thresholds.TriggerRatio {
				candidates = append(candidates, s)
			}
		}
	} else if snap.UsageRatio >= cfg.Thresholds.TriggerRatio && isCompactionChannelSession(snap.SessionID) {
		candidates = append(candidates, snap)
	}

	if len(candidates) == 0 {
		if batchErr != nil {
			note := fmt.Sprintf("skipped reason=no-targets batch-scan failed: %v", batchErr)
			audit.AppendEvent(p.LogsDir, "compaction", "degraded", note)
			return note, false
		}
		return "", false
	}

	if !cooldownReady {
		note := fmt.Sprintf("skipped reason=cooldown targets=%d cooldown_secs=%d", len(candidates), cfg.Watcher.CooldownSecs)
		audit.AppendEvent(p.LogsDir, "compaction", "skipped", note)
		return note, false
	}

	st.LastCompactionTriggerEpochSecs = snap.CapturedAtEpochSecs

	sessionsJSON := ""
	if d.Host != nil {
		if raw, err := d.Host.SessionsJSON(ctx); err == nil {
			sessionsJSON = raw
		}
	}

	targets := make([]compactionTarget, 0, len(candidates))
	for _, c := range candidates {
		sourcePath, _ := host.LocateSource(sessionsJSON, c.SessionID)
		targets = append(targets, compactionTarget{snapshot: c, sourcePath: sourcePath})
	}

	results := make([]string, len(targets))
	var succeeded, failed int32
	sem := semaphore.NewWeighted(compactionFanOutConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			line, ok := compactOneTarget(gctx, d, target)
			results[i] = line
			if ok {
				atomic.AddInt32(&succeeded, 1)
			} else {
				atomic.AddInt32(&failed, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := fmt.Sprintf("targets=%d succeeded=%d failed=%d %s", len(targets), succeeded, failed, strings.Join(results, " | "))
	status := "ok"
	if failed > 0 {
		status = "degraded"
	}
	audit.AppendEvent(p.LogsDir, "compaction", status, summary)
	return summary, true
}

// compactOneTarget performs the per-target archive → map-upsert → compact
// sequence sequentially (never reordered, even though targets run in
// parallel with each other).
func compactOneTarget(ctx context.Context, d *Deps, target compactionTarget) (string, bool) {
	p := d.Paths
	s := target.snapshot

	if target.sourcePath == "" {
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d reason=archive-source-not-found", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens), false
	}

	archived, err := d.Archive.ArchiveAndIndex(ctx, target.sourcePath, "history")
	if err != nil {
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d reason=archive-failed error=%v", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, err), false
	}
	audit.AppendEvent(p.LogsDir, "archive", statusOf(archived.Record.Indexed), fmt.Sprintf("scope=pre-compaction key=%s source=%s archive=%s indexed=%t deduped=%t", s.SessionID, archived.Record.SourcePath, archived.Record.ArchivePath, archived.Record.Indexed, archived.Deduped))

	if !archived.Record.Indexed {
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d reason=index-failed archive=%s", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, archived.Record.ArchivePath), false
	}

	d.channelMapMu.Lock()
	mapped, err := upsertChannelMap(p.ChannelMapFile, s.SessionID, archived.Record.SourcePath, archived.Record.ArchivePath)
	d.channelMapMu.Unlock()
	if err != nil {
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d reason=channel-archive-map-failed archive=%s error=%v", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, archived.Record.ArchivePath, err), false
	}

	if d.Host == nil {
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d archived=%s reason=no-host-bridge", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, mapped.ArchivePath), false
	}

	if err := d.Host.RequestCompaction(ctx, s.SessionID); err != nil {
		audit.AppendEvent(p.LogsDir, "compaction", "degraded", fmt.Sprintf("key=%s archived=%s error=%v", s.SessionID, mapped.ArchivePath, err))
		return fmt.Sprintf("failed key=%s ratio=%.4f used=%d max=%d archived=%s error=%v", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, mapped.ArchivePath, err), false
	}

	audit.AppendEvent(p.LogsDir, "compaction", "ok", fmt.Sprintf("key=%s archived=%s", s.SessionID, mapped.ArchivePath))
	return fmt.Sprintf("ok key=%s ratio=%.4f used=%d max=%d archived=%s", s.SessionID, s.UsageRatio, s.UsedTokens, s.MaxTokens, mapped.ArchivePath), true
}

func statusOf(indexed bool) string {
	if indexed {
		return "ok"
	}
	return "degraded"
}

// runDistillCycle selects same-day undistilled archives (idle mode only),
// normalises each one, and hands off continuity. Returns the number
// successfully distilled.
func runDistillCycle(ctx context.Context, d *Deps, st *state.State, snap usage.Snapshot, compactionActive bool) int {
	p, cfg := d.Paths, d.Config
	log := logging.Get(logging.CategoryWatcher)

	if cfg.Distill.Mode != config.DistillIdle {
		return 0
	}
	if compactionActive {
		audit.AppendEvent(p.LogsDir, "distill", "skipped", "skipped reason=compaction-active")
		return 0
	}
	if !isCooldownReady(st.LastDistillTriggerEpochSecs, snap.CapturedAtEpochSecs, cfg.Watcher.CooldownSecs) {
		audit.AppendEvent(p.LogsDir, "distill", "skipped", fmt.Sprintf("skipped reason=cooldown cooldown_secs=%d", cfg.Watcher.CooldownSecs))
		return 0
	}

	ledger, err := d.Archive.ReadLedger()
	if err != nil {
		audit.AppendEvent(p.LogsDir, "distill", "degraded", fmt.Sprintf("skipped reason=ledger-read-failed error=%v", err))
		return 0
	}
	if len(ledger) == 0 {
		audit.AppendEvent(p.LogsDir, "distill", "skipped", "skipped reason=no-archives")
		return 0
	}

	var latestArchiveEpoch int64
	for _, r := range ledger {
		if r.CreatedAtEpochSecs > latestArchiveEpoch {
			latestArchiveEpoch = r.CreatedAtEpochSecs
		}
	}
	idleFor := snap.CapturedAtEpochSecs - latestArchiveEpoch
	if uint64(idleFor) < cfg.Distill.IdleSecs {
		audit.AppendEvent(p.LogsDir, "distill", "skipped", fmt.Sprintf("skipped reason=not-idle idle_for_secs=%d idle_required_secs=%d", idleFor, cfg.Distill.IdleSecs))
		return 0
	}

	sort.Slice(ledger, func(i, j int) bool { return ledger[i].CreatedAtEpochSecs < ledger[j].CreatedAtEpochSecs })

	var pending []archive.Record
	for _, r := range ledger {
		if !r.Indexed {
			continue
		}
		if _, ok := st.DistilledArchives[r.ArchivePath]; ok {
			continue
		}
		if _, err := os.Stat(r.ArchivePath); err != nil {
			continue
		}
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		audit.AppendEvent(p.LogsDir, "distill", "skipped", "skipped reason=no-undistilled-archives")
		return 0
	}

	dayKey := dayKeyForEpoch(pending[0].CreatedAtEpochSecs)
	var candidates []archive.Record
	for _, r := range pending {
		if dayKeyForEpoch(r.CreatedAtEpochSecs) != dayKey {
			continue
		}
		candidates = append(candidates, r)
		if uint64(len(candidates)) >= cfg.Distill.MaxPerCycle {
			break
		}
	}
	audit.AppendEvent(p.LogsDir, "distill", "ok", fmt.Sprintf("selection selected_day=%s selected=%d", dayKey, len(candidates)))

	distilled := 0
	for _, record := range candidates {
		info, err := os.Stat(record.ArchivePath)
		if err != nil {
			audit.AppendEvent(p.LogsDir, "distill", "degraded", fmt.Sprintf("mode=idle archive=%s source=%s session=%s reason=archive-stat-failed error=%v", record.ArchivePath, record.SourcePath, record.SessionID, err))
			continue
		}
		if cfg.Distill.ChunkBytes > 0 && uint64(info.Size()) > cfg.Distill.ChunkBytes {
			// Chunked distillation of oversized archives is out of scope for
			// this pass; flagged degraded rather than guessed at.
			audit.AppendEvent(p.LogsDir, "distill", "degraded", fmt.Sprintf("mode=idle archive=%s source=%s session=%s reason=archive-too-large bytes=%d chunk_trigger_bytes=%d", record.ArchivePath, record.SourcePath, record.SessionID, info.Size(), cfg.Distill.ChunkBytes))
			continue
		}

		block, err := distill.Normalize(p, distill.NormalizeInput{
			SourcePath:       record.ArchivePath,
			SessionID:        record.SessionID,
			ArchiveEpochSecs: record.CreatedAtEpochSecs,
		})
		if err != nil {
			audit.AppendEvent(p.LogsDir, "distill", "degraded", fmt.Sprintf("mode=idle archive=%s source=%s session=%s error=%v", record.ArchivePath, record.SourcePath, record.SessionID, err))
			continue
		}

		st.LastDistillTriggerEpochSecs = snap.CapturedAtEpochSecs
		st.DistilledArchives[record.ArchivePath] = snap.CapturedAtEpochSecs
		distilled++

		hostBin := ""
		if d.Host != nil {
			hostBin = d.Host.Bin
		}
		keyDecisions := continuity.ExtractKeyDecisions(block)
		outcome, err := continuity.Build(ctx, p.MoonHome, hostBin, record.SessionID, record.ArchivePath, distill.DailyMemoryPath(p, record.CreatedAtEpochSecs), keyDecisions)
		if err != nil {
			audit.AppendEvent(p.LogsDir, "continuity", "degraded", fmt.Sprintf("archive=%s session=%s error=%v", record.ArchivePath, record.SessionID, err))
			log.Warn("continuity build failed for %s: %v", record.ArchivePath, err)
			continue
		}
		status := "ok"
		if !outcome.RolloverOK {
			status = "degraded"
		}
		audit.AppendEvent(p.LogsDir, "continuity", status, fmt.Sprintf("archive=%s session=%s map=%s target=%s rollover_ok=%t", record.ArchivePath, record.SessionID, outcome.MapPath, outcome.TargetSessionID, outcome.RolloverOK))
	}

	return distilled
}

// sweepRetention deletes distilled archives past the configured grace
// window, removing them from the ledger, channel map, and state, and asks
// the indexer to refresh if anything was removed.
func sweepRetention(ctx context.Context, d *Deps, st *state.State, nowEpochSecs int64) (string, error) {
	p, cfg := d.Paths, d.Config
	graceHours := cfg.Retention.GraceHours()
	graceSecs := int64(graceHours) * 3600
	if graceSecs == 0 {
		return "skipped reason=grace-disabled", nil
	}

	purge := map[string]bool{}
	removed, missing, failed := 0, 0, 0

	for archivePath, distilledAt := range st.DistilledArchives {
		if nowEpochSecs-distilledAt < graceSecs {
			continue
		}
		if _, err := os.Stat(archivePath); err == nil {
			if err := os.Remove(archivePath); err != nil {
				failed++
				continue
			}
			removed++
			purge[archivePath] = true
			delete(st.DistilledArchives, archivePath)
		} else {
			missing++
			purge[archivePath] = true
			delete(st.DistilledArchives, archivePath)
		}
	}

	if len(purge) == 0 && failed == 0 {
		return "", nil
	}

	mapRemoved, _ := removeChannelMapByArchivePaths(p.ChannelMapFile, purge)
	ledgerRemoved, _ := d.Archive.RemoveRecords(purge)
	indexUpdated := false
	if len(purge) > 0 && d.Indexer != nil {
		indexUpdated = d.Indexer.Update(ctx) == nil
	}

	summary := fmt.Sprintf("grace_hours=%d removed=%d missing=%d failed=%d map_removed=%d ledger_removed=%d index_updated=%t", graceHours, removed, missing, failed, mapRemoved, ledgerRemoved, indexUpdated)
	status := "ok"
	if failed > 0 {
		status = "degraded"
	}
	audit.AppendEvent(p.LogsDir, "archive-retention", status, summary)
	return summary, nil
}

// RunDaemon acquires the daemon singleton lock and loops RunOnce forever,
// sleeping poll_interval_secs on success and backing off exponentially
// (capped at 300s) on failure, resetting the failure counter on the next
// success. Returns when ctx is cancelled (the stop command's SIGTERM path).
func RunDaemon(ctx context.Context, d *Deps) error {
	lockPath := d.Paths.DaemonLockFile()
	if err := os.MkdirAll(d.Paths.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	handle, ok, err := lock.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("moon watcher daemon already running (lock: %s)", lockPath)
	}
	defer handle.Close()
	defer d.Close()

	if err := lock.WritePayload(lockPath, lock.Payload{
		PID:       os.Getpid(),
		StartedAt: time.Now().Unix(),
		BuildUUID: d.BuildUUID,
		MoonHome:  d.Paths.MoonHome,
	}); err != nil {
		return fmt.Errorf("write daemon lock payload: %w", err)
	}

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cycle, err := RunOnce(ctx, d)
		if err == nil {
			consecutiveFailures = 0
			sleepFor := time.Duration(maxU64(cycle.PollIntervalSecs, 1)) * time.Second
			if !sleepCtx(ctx, sleepFor) {
				return nil
			}
			continue
		}

		consecutiveFailures++
		base := d.Config.Watcher.PollIntervalSecs
		if base == 0 {
			base = 30
		}
		exponent := consecutiveFailures - 1
		if exponent > 4 {
			exponent = 4
		}
		retrySecs := base * (1 << uint(exponent))
		if retrySecs > 300 {
			retrySecs = 300
		}

		audit.AppendEvent(d.Paths.LogsDir, "watcher", "degraded", fmt.Sprintf("daemon cycle failed retry_in_secs=%d consecutive_failures=%d error=%v", retrySecs, consecutiveFailures, err))
		fmt.Fprintf(os.Stderr, "moon watcher cycle failed; retrying in %ds: %v\n", retrySecs, err)

		if !sleepCtx(ctx, time.Duration(retrySecs)*time.Second) {
			return nil
		}
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
