package threshold

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moonmem/internal/config"
	"moonmem/internal/state"
	"moonmem/internal/usage"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Thresholds.TriggerRatio = 0.9
	cfg.Watcher.CooldownSecs = 300
	return cfg
}

func TestEvaluateFiresArchiveThenCompactionAboveThreshold(t *testing.T) {
	cfg := testConfig()
	st := state.New()
	snap := usage.Snapshot{UsageRatio: 0.95, CapturedAtEpochSecs: 1000}

	triggers := Evaluate(cfg, st, snap)
	require.Equal(t, []Trigger{Archive, Compaction}, triggers)
}

func TestEvaluateRespectsUnifiedCooldown(t *testing.T) {
	cfg := testConfig()
	st := state.New()
	st.LastArchiveTriggerEpochSecs = 995
	st.LastCompactionTriggerEpochSecs = 998
	snap := usage.Snapshot{UsageRatio: 0.95, CapturedAtEpochSecs: 1000}

	require.Empty(t, Evaluate(cfg, st, snap))
}

func TestEvaluateNoTriggerBelowRatio(t *testing.T) {
	cfg := testConfig()
	st := state.New()
	snap := usage.Snapshot{UsageRatio: 0.5, CapturedAtEpochSecs: 1000}
	require.Empty(t, Evaluate(cfg, st, snap))
}

func TestContextCompactionRegularBelowStartDoesNothing(t *testing.T) {
	d := EvaluateContextCompactionCandidate(0.70, 0.78, 0.90, 0.65, false, false)
	require.False(t, d.ShouldCompact)
	require.False(t, d.BypassedCooldown)
}

func TestContextCompactionBypassesCooldownOnlyOnEmergency(t *testing.T) {
	regular := EvaluateContextCompactionCandidate(0.85, 0.78, 0.90, 0.65, false, false)
	require.False(t, regular.ShouldCompact)
	require.False(t, regular.BypassedCooldown)

	emergency := EvaluateContextCompactionCandidate(0.95, 0.78, 0.90, 0.65, false, false)
	require.True(t, emergency.ShouldCompact)
	require.True(t, emergency.ActivateHysteresis)
	require.True(t, emergency.BypassedCooldown)
}

func TestContextCompactionHysteresisBlocksUntilRecover(t *testing.T) {
	blocked := EvaluateContextCompactionCandidate(0.82, 0.78, 0.90, 0.65, true, true)
	require.False(t, blocked.ShouldCompact)
	require.False(t, blocked.ClearHysteresis)

	clear := EvaluateContextCompactionCandidate(0.60, 0.78, 0.90, 0.65, true, true)
	require.False(t, clear.ShouldCompact)
	require.True(t, clear.ClearHysteresis)
}

func TestContextCompactionProceedsWhenCooldownReady(t *testing.T) {
	d := EvaluateContextCompactionCandidate(0.80, 0.78, 0.90, 0.65, true, false)
	require.True(t, d.ShouldCompact)
	require.False(t, d.BypassedCooldown)
}
