package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"moonmem/internal/cliutil"
)

func TestBootstrapResolvesPathsAndConfig(t *testing.T) {
	resetGlobals(t)
	testEnv(t)

	p, cfg, r, err := bootstrap("test-command")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, cfg)
	require.True(t, r.OK)
}

func TestBootstrapFlagsUnknownEnvVarAsIssueByDefault(t *testing.T) {
	resetGlobals(t)
	testEnv(t)
	t.Setenv("MOON_NOT_A_REAL_KEY", "1")

	_, _, r, err := bootstrap("test-command")
	require.NoError(t, err)
	require.False(t, r.OK)
}

func TestBootstrapAllowOutOfBoundsDemotesEnvIssueToDetail(t *testing.T) {
	resetGlobals(t)
	testEnv(t)
	t.Setenv("MOON_NOT_A_REAL_KEY", "1")
	allowOutOfBounds = true

	_, _, r, err := bootstrap("test-command")
	require.NoError(t, err)
	require.True(t, r.OK)
}

func TestFinishSetsExitCodeFromReport(t *testing.T) {
	resetGlobals(t)

	ok := cliutil.New("ok-command")
	require.NoError(t, finish(ok))
	requireExit(t, 0)

	resetGlobals(t)
	bad := cliutil.New("bad-command")
	bad.AddIssue("something went wrong")
	require.NoError(t, finish(bad))
	requireExit(t, 2)
}

func TestFailHardSetsExitCodeOne(t *testing.T) {
	resetGlobals(t)
	require.NoError(t, failHard("bad-command", errors.New("paths unresolvable")))
	requireExit(t, 1)
}

func TestReportPrintDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	r := cliutil.New("x")
	r.AddDetail("a detail")
	r.FprintTo(&buf, false)
	require.Contains(t, buf.String(), "command: x")
}
