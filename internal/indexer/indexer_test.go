package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBin writes an executable shell script that echoes fixed output and
// exits with the given code, used to stand in for the real indexer binary.
func fakeBin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-indexer")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestCollectionAddOrUpdateAddsWhenNew(t *testing.T) {
	bin := fakeBin(t, `echo '{"ok":true}'; exit 0`)
	out, err := New(bin).CollectionAddOrUpdate(context.Background(), "/archives", "mem")
	require.NoError(t, err)
	require.Equal(t, Added, out)
}

func TestCollectionAddOrUpdateUpdatesOnMatchingMask(t *testing.T) {
	bin := fakeBin(t, `
if [ "$1" = "collection" ] && [ "$2" = "add" ]; then
	if [ "$3" != "/archives" ] || [ "$4" != "--name" ] || [ "$5" != "mem" ] || [ "$6" != "--mask" ]; then
		echo "unexpected add args: $*" >&2
		exit 9
	fi
	echo "Error: collection already exists" >&2
	exit 1
fi
if [ "$1" = "collection" ] && [ "$2" = "list" ]; then
	if [ -n "$3" ]; then
		echo "unexpected list args: $*" >&2
		exit 9
	fi
	printf 'mem (qmd://abc)\n  Pattern: mlib/**/*.md\n\n'
	exit 0
fi
if [ "$1" = "update" ]; then
	echo '{"ok":true}'
	exit 0
fi
echo "unexpected invocation: $*" >&2
exit 9
`)
	out, err := New(bin).CollectionAddOrUpdate(context.Background(), "/archives", "mem")
	require.NoError(t, err)
	require.Equal(t, Updated, out)
}

func TestCollectionAddOrUpdateRecreatesOnMaskMismatch(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "add-calls")
	bin := fakeBin(t, `
COUNTER="`+counter+`"
if [ "$1" = "collection" ] && [ "$2" = "add" ]; then
	n=0
	[ -f "$COUNTER" ] && n=$(cat "$COUNTER")
	n=$((n+1))
	echo "$n" > "$COUNTER"
	if [ "$n" -eq 1 ]; then
		echo "Error: collection already exists" >&2
		exit 1
	fi
	echo '{"ok":true}'
	exit 0
fi
if [ "$1" = "collection" ] && [ "$2" = "list" ]; then
	printf 'mem (qmd://abc)\n  Pattern: mlib/**/*.old.md\n\n'
	exit 0
fi
if [ "$1" = "collection" ] && [ "$2" = "remove" ]; then
	if [ "$3" != "mem" ]; then
		echo "unexpected remove args: $*" >&2
		exit 9
	fi
	exit 0
fi
echo "unexpected invocation: $*" >&2
exit 9
`)
	out, err := New(bin).CollectionAddOrUpdate(context.Background(), "/archives", "mem")
	require.NoError(t, err)
	require.Equal(t, Recreated, out)
}

func TestSearchReturnsStdout(t *testing.T) {
	bin := fakeBin(t, `echo '{"results":[]}'`)
	out, err := New(bin).Search(context.Background(), "mem", "query text")
	require.NoError(t, err)
	require.Contains(t, out, "results")
}

func TestSearchFailsOnStatusFailedSignal(t *testing.T) {
	bin := fakeBin(t, `echo '{"status":"failed"}'; exit 0`)
	_, err := New(bin).Search(context.Background(), "mem", "q")
	require.ErrorIs(t, err, ErrStatusFailed)
}

func TestProbeEmbedCapabilityBounded(t *testing.T) {
	bin := fakeBin(t, `echo "usage: embed --max-docs N"; exit 0`)
	require.Equal(t, Bounded, New(bin).ProbeEmbedCapability(context.Background()))
}

func TestProbeEmbedCapabilityUnboundedOnly(t *testing.T) {
	bin := fakeBin(t, `echo "usage: embed <collection>"; exit 0`)
	require.Equal(t, UnboundedOnly, New(bin).ProbeEmbedCapability(context.Background()))
}

func TestProbeEmbedCapabilityMissingOnNonZeroExit(t *testing.T) {
	bin := fakeBin(t, `exit 1`)
	require.Equal(t, Missing, New(bin).ProbeEmbedCapability(context.Background()))
}

func TestProbeEmbedCapabilityMissingBinary(t *testing.T) {
	require.Equal(t, Missing, New(filepath.Join(t.TempDir(), "nope")).ProbeEmbedCapability(context.Background()))
}

func TestBoundedEmbedReturnsResult(t *testing.T) {
	bin := fakeBin(t, `echo '{"embedded":3}'; exit 0`)
	res, err := New(bin).BoundedEmbed(context.Background(), "mem", 3, time.Second)
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "embedded")
}

func TestBoundedEmbedSignalsStatusFailed(t *testing.T) {
	bin := fakeBin(t, `echo '{"ok":false}'; exit 0`)
	_, err := New(bin).BoundedEmbed(context.Background(), "mem", 3, time.Second)
	require.ErrorIs(t, err, ErrStatusFailed)
}
