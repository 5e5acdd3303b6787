package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeHostBin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-openclaw")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestSessionsJSONReturnsStdout(t *testing.T) {
	bin := fakeHostBin(t, `echo '{"sessions":[]}'`)
	out, err := New(bin).SessionsJSON(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "sessions")
}

func TestLocateSourceFindsMatchingSession(t *testing.T) {
	payload := `{"sessions":[
		{"key":"u1:discord:channel:general","sourcePath":"/raw/general.json"},
		{"key":"u2:whatsapp:123","path":"/raw/whatsapp.json"}
	]}`
	path, ok := LocateSource(payload, "u1:discord:channel:general")
	require.True(t, ok)
	require.Equal(t, "/raw/general.json", path)

	path, ok = LocateSource(payload, "u2:whatsapp:123")
	require.True(t, ok)
	require.Equal(t, "/raw/whatsapp.json", path)
}

func TestLocateSourceMissingKey(t *testing.T) {
	_, ok := LocateSource(`{"sessions":[]}`, "nope")
	require.False(t, ok)
}

func TestRequestCompactionCallsGatewayChatSend(t *testing.T) {
	bin := fakeHostBin(t, `[ "$1" = "gateway" ] && [ "$2" = "call" ] && [ "$3" = "chat.send" ] && exit 0; exit 1`)
	err := New(bin).RequestCompaction(context.Background(), "sess-1")
	require.NoError(t, err)
}

func TestSystemEventFailsOnNonZeroExit(t *testing.T) {
	bin := fakeHostBin(t, `exit 1`)
	err := New(bin).SystemEvent(context.Background(), "alert")
	require.Error(t, err)
}

func TestPluginsListRetriesOnce(t *testing.T) {
	counterFile := filepath.Join(t.TempDir(), "count")
	bin := fakeHostBin(t, `
count_file="`+counterFile+`"
n=0
[ -f "$count_file" ] && n=$(cat "$count_file")
n=$((n+1))
echo "$n" > "$count_file"
if [ "$n" -lt 2 ]; then
	exit 1
fi
echo '{"plugins":[]}'
exit 0
`)
	out, err := New(bin).PluginsList(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "plugins")
}

func TestDoctorIncludesNonInteractiveFlag(t *testing.T) {
	bin := fakeHostBin(t, `[ "$2" = "--non-interactive" ] && echo ok && exit 0; exit 1`)
	out, err := New(bin).Doctor(context.Background(), true)
	require.NoError(t, err)
	require.Contains(t, out, "ok")
}

func TestRunGatewayRetriesUpToMaxAttempts(t *testing.T) {
	counterFile := filepath.Join(t.TempDir(), "count")
	bin := fakeHostBin(t, `
count_file="`+counterFile+`"
n=0
[ -f "$count_file" ] && n=$(cat "$count_file")
n=$((n+1))
echo "$n" > "$count_file"
[ "$n" -ge 3 ] && exit 0
exit 1
`)
	err := New(bin).RunGateway(context.Background(), GatewayRestart, 3)
	require.NoError(t, err)
}

func TestRunGatewayFailsAfterExhaustingAttempts(t *testing.T) {
	bin := fakeHostBin(t, `exit 1`)
	err := New(bin).RunGateway(context.Background(), GatewayStop, 2)
	require.Error(t, err)
}
