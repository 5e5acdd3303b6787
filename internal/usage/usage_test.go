package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeHostBin(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-host")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestParseSessionsPayloadReturnsAllEntries(t *testing.T) {
	raw := `{"path":"x","sessions":[
		{"key":"agent:main:discord:channel:1","updatedAt":1000,"totalTokens":1200,"contextTokens":32000},
		{"key":"agent:main:whatsapp:+614","updatedAt":2000,"totalTokens":86000,"contextTokens":64000}
	]}`
	parsed, err := ParseSessionsPayload(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	require.Equal(t, "agent:main:discord:channel:1", parsed[0].sessionID)
	require.Equal(t, uint64(1200), parsed[0].used)
	require.Equal(t, uint64(32000), parsed[0].max)
}

func TestParseSessionsPayloadSkipsEntriesWithoutTokenFields(t *testing.T) {
	raw := `{"sessions":[{"key":"missing"},{"key":"good","totalTokens":2000,"contextTokens":32000}]}`
	parsed, err := ParseSessionsPayload(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	require.Equal(t, "good", parsed[0].sessionID)
}

func TestParseCurrentPayloadAcceptsNestedUsageShape(t *testing.T) {
	raw := `{"id":"abc","usage":{"totalTokens":4200},"limits":{"maxTokens":10000}}`
	sessionID, used, max, err := parseCurrentPayload(raw)
	require.NoError(t, err)
	require.Equal(t, "abc", sessionID)
	require.Equal(t, uint64(4200), used)
	require.Equal(t, uint64(10000), max)
}

func TestParseCurrentPayloadPrefersLatestSessionWhenBatchShaped(t *testing.T) {
	raw := `{"sessions":[
		{"key":"older","updatedAt":1000,"totalTokens":1200,"contextTokens":32000},
		{"key":"newer","updatedAt":2000,"totalTokens":86000,"contextTokens":64000}
	]}`
	sessionID, used, max, err := parseCurrentPayload(raw)
	require.NoError(t, err)
	require.Equal(t, "newer", sessionID)
	require.Equal(t, uint64(86000), used)
	require.Equal(t, uint64(64000), max)
}

func TestParseCurrentPayloadDefaultsMaxTokensWhenAbsent(t *testing.T) {
	raw := `{"id":"x","usedTokens":500}`
	_, _, max, err := parseCurrentPayload(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(defaultMaxTokens), max)
}

func TestCollectCurrentParsesFakeHostOutput(t *testing.T) {
	bin := fakeHostBin(t, `echo '{"id":"abc","usage":{"totalTokens":4200},"limits":{"maxTokens":10000}}'`)
	c := New(bin)
	snap, err := c.CollectCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", snap.SessionID)
	require.InDelta(t, 0.42, snap.UsageRatio, 0.0001)
}

func TestCollectBatchPicksLatestAsCurrent(t *testing.T) {
	bin := fakeHostBin(t, `echo '{"sessions":[
		{"key":"older","updatedAt":1000,"totalTokens":1200,"contextTokens":32000},
		{"key":"newer","updatedAt":2000,"totalTokens":86000,"contextTokens":64000}
	]}'`)
	c := New(bin)
	batch, err := c.CollectBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Sessions, 2)
	require.Equal(t, "newer", batch.Current.SessionID)
}

func TestCollectCurrentFailsOnNonZeroExit(t *testing.T) {
	bin := fakeHostBin(t, `echo "boom" 1>&2; exit 1`)
	_, err := New(bin).CollectCurrent(context.Background())
	require.Error(t, err)
}
