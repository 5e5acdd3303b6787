package main

import (
	"fmt"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestMoonRecallResolvesChannelKeyDeterministically(t *testing.T) {
	resetGlobals(t)
	p := testEnv(t)

	archivePath := "/fake/archives/raw/session-123.jsonl"
	mapJSON := fmt.Sprintf(`{"agent:main:whatsapp:+14155550100":{"session_key":"agent:main:whatsapp:+14155550100","source_path":"/fake/sessions/a.jsonl","archive_path":%q,"updated_at_epoch_secs":1}}`, archivePath)
	require.NoError(t, os.WriteFile(p.ChannelMapFile, []byte(mapJSON), 0o644))

	recallChannelKey = "agent:main:whatsapp:+14155550100"
	recallQuery = "what did we discuss"
	recallName = "default"
	defer func() { recallChannelKey = "" }()

	require.NoError(t, runMoonRecall(&cobra.Command{}, nil))
	requireExit(t, 0)
}

func TestMoonRecallFallsBackToSearchOnChannelMiss(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	recallChannelKey = "agent:main:cli:unknown"
	recallQuery = "anything"
	recallName = "default"
	defer func() { recallChannelKey = "" }()

	require.NoError(t, runMoonRecall(&cobra.Command{}, nil))
	requireExit(t, 0)
}
