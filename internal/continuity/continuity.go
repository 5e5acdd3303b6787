// Package continuity builds the session hand-off record written whenever
// the Watcher distills an archive (§4.8): an optional rollover to a new
// session id, and a JSON map recording source id, target id, archive and
// daily-memory refs, and up to 8 key-decision lines.
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moonmem/internal/executil"
)

const maxKeyDecisions = 8

// Map is the JSON record written to continuity/continuity-<epoch>.json.
type Map struct {
	SourceSessionID      string   `json:"source_session_id"`
	TargetSessionID      string   `json:"target_session_id"`
	ArchiveRefs          []string `json:"archive_refs"`
	DailyMemoryRefs      []string `json:"daily_memory_refs"`
	KeyDecisions         []string `json:"key_decisions"`
	GeneratedAtEpochSecs int64    `json:"generated_at_epoch_secs"`
}

// Outcome reports where the map was written and whether rollover succeeded.
type Outcome struct {
	MapPath         string
	TargetSessionID string
	RolloverOK      bool
}

func rolloverEnabled() bool {
	v := strings.TrimSpace(os.Getenv("MOON_ENABLE_SESSION_ROLLOVER"))
	return v == "1" || strings.EqualFold(v, "true")
}

// tryRollover resolves a new session id, preferring MOON_SESSION_ROLLOVER_CMD
// over a direct `openclaw sessions new --json` call, per SPEC_FULL.md's
// continuity supplement.
func tryRollover(ctx context.Context, hostBin string) (string, error) {
	if !rolloverEnabled() {
		return "", fmt.Errorf("session rollover disabled by default; set MOON_ENABLE_SESSION_ROLLOVER=true")
	}

	if cmdline, ok := os.LookupEnv("MOON_SESSION_ROLLOVER_CMD"); ok {
		parts := strings.Fields(cmdline)
		if len(parts) == 0 {
			return "", fmt.Errorf("MOON_SESSION_ROLLOVER_CMD is empty")
		}
		res, err := executil.Run(ctx, executil.DefaultTimeout, parts[0], parts[1:]...)
		if err != nil {
			return "", fmt.Errorf("rollover command: %w", err)
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("rollover command failed: %s", strings.TrimSpace(res.Stderr))
		}
		if id, ok := extractID(res.Stdout); ok {
			return id, nil
		}
		return fmt.Sprintf("external-%d", time.Now().Unix()), nil
	}

	res, err := executil.Run(ctx, executil.DefaultTimeout, hostBin, "sessions", "new", "--json")
	if err != nil {
		return "", fmt.Errorf("openclaw sessions new: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("openclaw session rollover failed: %s", strings.TrimSpace(res.Stderr))
	}
	if id, ok := extractID(res.Stdout); ok {
		return id, nil
	}
	return fmt.Sprintf("openclaw-%d", time.Now().Unix()), nil
}

func extractID(stdout string) (string, bool) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return "", false
	}
	id, ok := parsed["id"].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Build writes the continuity hand-off record and returns its outcome.
// Rollover failure is not fatal: the target session id falls back to a
// synthetic pending-<epoch> id with RolloverOK=false.
func Build(ctx context.Context, moonHome, hostBin, sourceSessionID, archiveRef, dailyMemoryRef string, keyDecisions []string) (Outcome, error) {
	ts := time.Now().Unix()

	targetID, err := tryRollover(ctx, hostBin)
	rolloverOK := err == nil
	if !rolloverOK {
		targetID = fmt.Sprintf("pending-%d", ts)
	}

	if len(keyDecisions) > maxKeyDecisions {
		keyDecisions = keyDecisions[:maxKeyDecisions]
	}

	m := Map{
		SourceSessionID:      sourceSessionID,
		TargetSessionID:      targetID,
		ArchiveRefs:          []string{archiveRef},
		DailyMemoryRefs:      []string{dailyMemoryRef},
		KeyDecisions:         keyDecisions,
		GeneratedAtEpochSecs: ts,
	}

	dir := filepath.Join(moonHome, "continuity")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create continuity dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal continuity map: %w", err)
	}
	data = append(data, '\n')

	file := filepath.Join(dir, fmt.Sprintf("continuity-%d.json", ts))
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("write continuity map %s: %w", file, err)
	}

	return Outcome{MapPath: file, TargetSessionID: targetID, RolloverOK: rolloverOK}, nil
}

// ExtractKeyDecisions scans a distilled summary's "Durable Decisions &
// Context" section for bullet lines, capped at maxKeyDecisions.
func ExtractKeyDecisions(summary string) []string {
	lines := strings.Split(summary, "\n")
	var inSection bool
	var decisions []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			inSection = strings.Contains(trimmed, "Durable Decisions")
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") {
			decisions = append(decisions, strings.TrimPrefix(trimmed, "- "))
			if len(decisions) >= maxKeyDecisions {
				break
			}
		}
	}
	return decisions
}
