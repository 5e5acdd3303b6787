package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestMoonEmbedDryRunSucceedsOnEmptyPending(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	embedDryRun = true
	embedName = "default"
	defer func() { embedDryRun = false }()

	require.NoError(t, runMoonEmbed(&cobra.Command{}, nil))
	requireExit(t, 0)
}
