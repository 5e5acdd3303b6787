package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moonmem/internal/archive"
	"moonmem/internal/config"
	"moonmem/internal/host"
	"moonmem/internal/indexer"
	"moonmem/internal/lock"
	"moonmem/internal/paths"
	"moonmem/internal/usage"
)

func TestIsCompactionChannelSession(t *testing.T) {
	require.True(t, isCompactionChannelSession("agent:main:discord:channel:123"))
	require.True(t, isCompactionChannelSession("agent:main:whatsapp:+14155550100"))
	require.False(t, isCompactionChannelSession("agent:main:cli:local"))
}

func TestIsCooldownReady(t *testing.T) {
	require.True(t, isCooldownReady(0, 1000, 300))
	require.False(t, isCooldownReady(1000, 1100, 300))
	require.True(t, isCooldownReady(1000, 1400, 300))
	require.False(t, isCooldownReady(1000, 900, 300)) // clock skew clamps elapsed to 0, still under cooldown
}

func TestHighTokenAlertThresholdDefaultsAndParsesEnv(t *testing.T) {
	t.Setenv("MOON_HIGH_TOKEN_ALERT_THRESHOLD", "")
	require.Equal(t, uint64(defaultHighTokenAlertThreshold), highTokenAlertThreshold())

	t.Setenv("MOON_HIGH_TOKEN_ALERT_THRESHOLD", "50000")
	require.Equal(t, uint64(50000), highTokenAlertThreshold())

	t.Setenv("MOON_HIGH_TOKEN_ALERT_THRESHOLD", "not-a-number")
	require.Equal(t, uint64(defaultHighTokenAlertThreshold), highTokenAlertThreshold())
}

func TestDayKeyForEpoch(t *testing.T) {
	a := dayKeyForEpoch(1_722_000_000)
	b := dayKeyForEpoch(1_722_000_000 + 10)
	require.Equal(t, a, b)
}

func TestLatestSessionFilePicksNewestMtime(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "old.jsonl")
	newer := filepath.Join(dir, "new.jsonl")
	require.NoError(t, os.WriteFile(older, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o644))
	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(newer, now, now))

	best, err := latestSessionFile(dir)
	require.NoError(t, err)
	require.Equal(t, newer, best)
}

func TestLatestSessionFileErrorsWhenEmpty(t *testing.T) {
	_, err := latestSessionFile(t.TempDir())
	require.Error(t, err)
}

// testEnv builds a fully wired Deps against a temp moon_home, a fake host
// binary that serves a sessions --json payload with one hot channel session
// (crossing both the archive and compaction ratios) and one quiet session,
// and a fake indexer binary that always reports success.
func testEnv(t *testing.T) (*Deps, *paths.Paths, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MOON_HOME", home)
	for _, v := range []string{
		"MOON_ARCHIVES_DIR", "MOON_MEMORY_DIR", "MOON_STATE_DIR", "MOON_LOGS_DIR",
		"MOON_MEMORY_FILE", "MOON_CONFIG_PATH", "MOON_STATE_FILE", "QMD_BIN",
		"OPENCLAW_SESSIONS_DIR", "OPENCLAW_BIN", "MOON_HIGH_TOKEN_ALERT_THRESHOLD",
	} {
		t.Setenv(v, "")
	}
	p, err := paths.Resolve()
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())

	chanSource := filepath.Join(p.HostSessionsDir, "channel-session.jsonl")
	require.NoError(t, os.MkdirAll(p.HostSessionsDir, 0o755))
	require.NoError(t, os.WriteFile(chanSource, []byte(`{"message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`), 0o644))

	mainSource := filepath.Join(p.HostSessionsDir, "main-session.jsonl")
	require.NoError(t, os.WriteFile(mainSource, []byte(`{"message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`), 0o644))
	// latestSessionFile picks by mtime; make the main session the newest so
	// the archive trigger snapshots it.
	now := time.Now()
	require.NoError(t, os.Chtimes(chanSource, now.Add(-time.Minute), now.Add(-time.Minute)))
	require.NoError(t, os.Chtimes(mainSource, now, now))

	sessionsJSON := fmt.Sprintf(`{"sessions":[
		{"key":"agent:main:whatsapp:+14155550100","updatedAt":2000,"totalTokens":950,"contextTokens":1000,"sourcePath":%q},
		{"key":"agent:main:cli:local","updatedAt":1000,"totalTokens":100,"contextTokens":1000,"sourcePath":%q}
	]}`, chanSource, mainSource)

	hostDir := t.TempDir()
	hostBin := filepath.Join(hostDir, "fake-host")
	hostScript := fmt.Sprintf(`#!/bin/sh
case "$1 $2" in
	"sessions --json")
		cat <<'JSON'
%s
JSON
		;;
	"gateway call")
		exit 0
		;;
	"system event")
		exit 0
		;;
	*)
		exit 0
		;;
esac
`, sessionsJSON)
	require.NoError(t, os.WriteFile(hostBin, []byte(hostScript), 0o755))

	indexerDir := t.TempDir()
	indexerBin := filepath.Join(indexerDir, "fake-indexer")
	require.NoError(t, os.WriteFile(indexerBin, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := config.Default()
	cfg.Watcher.CooldownSecs = 0
	cfg.Watcher.InboundWatchOn = false

	idx := indexer.New(indexerBin)
	d := &Deps{
		Paths:     p,
		Config:    cfg,
		Archive:   archive.New(p.ArchivesDir, p.LedgerFile, idx),
		Indexer:   idx,
		Host:      host.New(hostBin),
		Usage:     usage.New(hostBin),
		BuildUUID: "test-build",
	}
	return d, p, chanSource
}

func TestRunOnceArchivesAndCompactsHotChannelSession(t *testing.T) {
	d, p, _ := testEnv(t)
	defer d.Close()

	out, err := RunOnce(context.Background(), d)
	require.NoError(t, err)

	require.Contains(t, out.Triggers, "archive")
	require.Contains(t, out.Triggers, "compaction")
	require.NotEmpty(t, out.ArchivePath)
	require.Contains(t, out.CompactionResult, "succeeded=1")
	require.Contains(t, out.CompactionResult, "failed=0")

	_, err = os.Stat(p.StateFile)
	require.NoError(t, err)

	m, err := loadChannelMap(p.ChannelMapFile)
	require.NoError(t, err)
	require.Contains(t, m, "agent:main:whatsapp:+14155550100")
}

func TestRunOnceSkipsCompactionOnCooldown(t *testing.T) {
	d, _, _ := testEnv(t)
	defer d.Close()
	d.Config.Watcher.CooldownSecs = 10_000_000

	_, err := RunOnce(context.Background(), d)
	require.NoError(t, err)

	out, err := RunOnce(context.Background(), d)
	require.NoError(t, err)
	require.Contains(t, out.CompactionResult, "reason=cooldown")
}

func TestRunDaemonRefusesWhenLockHeld(t *testing.T) {
	d, p, _ := testEnv(t)
	defer d.Close()

	require.NoError(t, os.MkdirAll(p.LogsDir, 0o755))
	handle, ok, err := lock.TryAcquire(p.DaemonLockFile())
	require.NoError(t, err)
	require.True(t, ok)
	defer handle.Close()

	err = RunDaemon(context.Background(), d)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "already running"))
}

func TestRunDaemonExitsOnContextCancel(t *testing.T) {
	d, _, _ := testEnv(t)
	defer d.Close()
	d.Config.Watcher.PollIntervalSecs = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunDaemon(ctx, d) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunDaemon did not exit after context cancel")
	}
}
