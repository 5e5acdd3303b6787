package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"moonmem/internal/paths"
)

// testEnv points every env-overridable path at a fresh temp moon_home, wires
// a fake host and fake indexer binary (both always-succeed shell scripts, in
// the shape internal/watcher's own testEnv uses), and returns the resolved
// Paths for the caller to seed fixtures into.
func testEnv(t *testing.T) *paths.Paths {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MOON_HOME", home)
	for _, v := range []string{
		"MOON_ARCHIVES_DIR", "MOON_MEMORY_DIR", "MOON_STATE_DIR", "MOON_LOGS_DIR",
		"MOON_MEMORY_FILE", "MOON_CONFIG_PATH", "MOON_STATE_FILE", "QMD_BIN",
		"OPENCLAW_SESSIONS_DIR", "OPENCLAW_BIN",
	} {
		t.Setenv(v, "")
	}

	indexerDir := t.TempDir()
	indexerBin := filepath.Join(indexerDir, "fake-indexer")
	require.NoError(t, os.WriteFile(indexerBin, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("QMD_BIN", indexerBin)

	hostDir := t.TempDir()
	hostBin := filepath.Join(hostDir, "fake-host")
	hostScript := `#!/bin/sh
case "$1 $2" in
	"sessions --json")
		echo '{"sessions":[]}'
		;;
	"doctor --non-interactive")
		echo "doctor: ok"
		;;
	*)
		exit 0
		;;
esac
`
	require.NoError(t, os.WriteFile(hostBin, []byte(hostScript), 0o755))
	t.Setenv("OPENCLAW_BIN", hostBin)

	p, err := paths.Resolve()
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())
	require.NoError(t, os.MkdirAll(p.HostSessionsDir, 0o755))

	return p
}

// resetGlobals restores the package-level flag/exit-code state every RunE
// reads or writes, since cobra flags and exitCode are package vars shared
// across every test in this package.
func resetGlobals(t *testing.T) {
	t.Helper()
	exitCode = 0
	jsonOutput = false
	allowOutOfBounds = false
}

func writeJSONLSource(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := `{"message":{"role":"user","content":[{"type":"text","text":"hello there"}]}}
{"message":{"role":"assistant","content":[{"type":"text","text":"hi, how can I help?"}]}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func requireExit(t *testing.T, want int) {
	t.Helper()
	require.Equalf(t, want, exitCode, "expected exit code %d, got %d", want, exitCode)
}
