// Package threshold holds the two pure decision functions that turn a usage
// snapshot into archive/compaction triggers (§4.5). Neither function
// performs I/O; both are deterministic given their inputs.
package threshold

import (
	"moonmem/internal/config"
	"moonmem/internal/state"
	"moonmem/internal/usage"
)

// Trigger is one action the watcher should take this cycle.
type Trigger int

const (
	Archive Trigger = iota
	Compaction
)

func (t Trigger) String() string {
	if t == Archive {
		return "archive"
	}
	return "compaction"
}

func unifiedLastTrigger(st *state.State) (int64, bool) {
	a, b := st.LastArchiveTriggerEpochSecs, st.LastCompactionTriggerEpochSecs
	switch {
	case a == 0 && b == 0:
		return 0, false
	case a > b:
		return a, true
	default:
		return b, true
	}
}

func shouldFire(lastEpoch int64, haveLast bool, nowEpoch int64, cooldownSecs uint64) bool {
	if !haveLast {
		return true
	}
	elapsed := nowEpoch - lastEpoch
	if elapsed < 0 {
		elapsed = 0
	}
	return uint64(elapsed) >= cooldownSecs
}

// Evaluate implements rule 1 of §4.5: archive is always emitted before
// compaction, and the unified cooldown is measured from
// max(last_archive, last_compaction).
func Evaluate(cfg *config.Config, st *state.State, snap usage.Snapshot) []Trigger {
	last, have := unifiedLastTrigger(st)
	if snap.UsageRatio >= cfg.Thresholds.TriggerRatio && shouldFire(last, have, snap.CapturedAtEpochSecs, cfg.Watcher.CooldownSecs) {
		return []Trigger{Archive, Compaction}
	}
	return nil
}

// ContextDecision is the result of evaluating context-window compaction
// candidacy, the hysteresis-aware sibling decision used during the
// compaction phase (§4.5 rule 2).
type ContextDecision struct {
	ShouldCompact      bool
	ActivateHysteresis bool
	ClearHysteresis    bool
	BypassedCooldown   bool
}

// EvaluateContextCompactionCandidate applies the hysteresis state machine:
// while active, only a drop to at-or-below recoverRatio clears it; below
// startRatio nothing happens; at or above startRatio it compacts once
// cooldown is ready, with an emergency bypass at emergencyRatio.
func EvaluateContextCompactionCandidate(usageRatio, startRatio, emergencyRatio, recoverRatio float64, cooldownReady, hysteresisActive bool) ContextDecision {
	if hysteresisActive {
		if usageRatio <= recoverRatio {
			return ContextDecision{ClearHysteresis: true}
		}
		return ContextDecision{}
	}

	if usageRatio < startRatio {
		return ContextDecision{}
	}

	bypassed := !cooldownReady && usageRatio >= emergencyRatio
	if cooldownReady || bypassed {
		return ContextDecision{ShouldCompact: true, ActivateHysteresis: true, BypassedCooldown: bypassed}
	}
	return ContextDecision{}
}
