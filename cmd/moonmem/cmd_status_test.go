package main

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"moonmem/internal/lock"
)

func TestMoonStatusReportsNoDaemonWhenLockAbsent(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	err := runMoonStatus(&cobra.Command{}, nil)
	require.NoError(t, err)
	requireExit(t, 0)
}

func TestMoonStatusIgnoresBuildUUIDMismatchAgainstDeadDaemon(t *testing.T) {
	resetGlobals(t)
	p := testEnv(t)

	require.NoError(t, lock.WritePayload(p.DaemonLockFile(), lock.Payload{
		PID:       0, // PIDAlive(0) is always false, so this exercises the dead-pid branch, not the mismatch branch
		StartedAt: 1,
		BuildUUID: "other-build",
	}))

	err := runMoonStatus(&cobra.Command{}, nil)
	require.NoError(t, err)
	// A dead pid in the lock is reported as a detail, not an issue (the
	// lock may simply be stale from a clean shutdown that never removed it).
	requireExit(t, 0)
}

func TestMoonStatusFlagsBuildUUIDMismatchAgainstRunningDaemon(t *testing.T) {
	resetGlobals(t)
	p := testEnv(t)

	require.NoError(t, lock.WritePayload(p.DaemonLockFile(), lock.Payload{
		PID:       os.Getpid(),
		StartedAt: 1,
		BuildUUID: "other-build",
	}))

	err := runMoonStatus(&cobra.Command{}, nil)
	require.NoError(t, err)
	requireExit(t, 2)
}

func TestMoonHealthProbesIndexerAndHost(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	err := runMoonHealth(&cobra.Command{}, nil)
	require.NoError(t, err)
	// The fake indexer binary exits 0 for everything including --help without
	// mentioning --max-docs, which ProbeEmbedCapability reads as UnboundedOnly;
	// health reports that as an issue.
	requireExit(t, 2)
}

func TestRunConfigSummaryAndShow(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	require.NoError(t, runConfig(&cobra.Command{}, nil))
	requireExit(t, 0)

	resetGlobals(t)
	configShow = true
	defer func() { configShow = false }()
	require.NoError(t, runConfig(&cobra.Command{}, nil))
	requireExit(t, 0)
}
