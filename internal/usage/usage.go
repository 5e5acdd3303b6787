// Package usage collects per-session token usage from the host CLI's
// `sessions --json` / `sessions current --json` surfaces and normalises it
// into a Snapshot, searching a fixed list of candidate JSON paths for the
// used/max token fields (§4.5).
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"moonmem/internal/executil"
)

// Snapshot is a single session's usage reading at capture time.
type Snapshot struct {
	SessionID          string  `json:"session_id"`
	UsedTokens         uint64  `json:"used_tokens"`
	MaxTokens          uint64  `json:"max_tokens"`
	UsageRatio         float64 `json:"usage_ratio"`
	CapturedAtEpochSecs int64  `json:"captured_at_epoch_secs"`
	Provider           string  `json:"provider"`
}

// Batch is the result of collecting the full sessions listing: every
// session plus the one selected as "current".
type Batch struct {
	Current  Snapshot
	Sessions []Snapshot
}

const defaultMaxTokens = 200_000

const providerName = "host"

func usageRatio(used, max uint64) float64 {
	if max == 0 {
		return 0
	}
	return float64(used) / float64(max)
}

func toSnapshot(sessionID string, used, max uint64, capturedAt int64) Snapshot {
	if max == 0 {
		max = 1
	}
	return Snapshot{
		SessionID:           sessionID,
		UsedTokens:          used,
		MaxTokens:           max,
		UsageRatio:          usageRatio(used, max),
		CapturedAtEpochSecs: capturedAt,
		Provider:            providerName,
	}
}

// findUint64 searches root for the first of the given dotted candidate
// paths that resolves to a JSON number.
func findUint64(root map[string]interface{}, paths [][]string) (uint64, bool) {
	for _, path := range paths {
		var cursor interface{} = root
		ok := true
		for _, part := range path {
			m, isMap := cursor.(map[string]interface{})
			if !isMap {
				ok = false
				break
			}
			next, exists := m[part]
			if !exists {
				ok = false
				break
			}
			cursor = next
		}
		if !ok {
			continue
		}
		if num, isNum := cursor.(float64); isNum && num >= 0 {
			return uint64(num), true
		}
	}
	return 0, false
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// ParsedSession is one entry from a sessions --json listing before it is
// converted into a capture-timestamped Snapshot.
type ParsedSession struct {
	sessionID string
	used      uint64
	max       uint64
	updatedAt int64
}

var sessionUsedPaths = [][]string{
	{"totalTokens"},
	{"inputTokens"},
	{"usage", "totalTokens"},
	{"usage", "inputTokens"},
}

var sessionMaxPaths = [][]string{
	{"contextTokens"},
	{"maxTokens"},
	{"limits", "maxTokens"},
}

var currentUsedPaths = [][]string{
	{"usage", "totalTokens"},
	{"usage", "inputTokens"},
	{"tokenUsage", "total"},
	{"context", "usedTokens"},
}

var currentMaxPaths = [][]string{
	{"limits", "maxTokens"},
	{"context", "maxTokens"},
	{"tokenUsage", "max"},
}

// ParseSessionsPayload decodes a `sessions --json` response into per-session
// usage entries, skipping any entry that carries no recognisable used-token
// field.
func ParseSessionsPayload(raw string) ([]ParsedSession, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid sessions JSON: %w", err)
	}
	rawSessions, ok := parsed["sessions"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("sessions payload missing sessions array")
	}

	var out []ParsedSession
	for _, raw := range rawSessions {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		used, ok := findUint64(entry, sessionUsedPaths)
		if !ok {
			continue
		}
		sessionID := "current"
		for _, key := range []string{"key", "sessionId", "id"} {
			if s, ok := asString(entry[key]); ok && s != "" {
				sessionID = s
				break
			}
		}
		max, _ := findUint64(entry, sessionMaxPaths)
		if max == 0 {
			max = defaultMaxTokens
		}
		var updatedAt int64
		if v, ok := findUint64(entry, [][]string{{"updatedAt"}}); ok {
			updatedAt = int64(v)
		}
		out = append(out, ParsedSession{sessionID: sessionID, used: used, max: max, updatedAt: updatedAt})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sessions payload missing used token fields")
	}
	return out, nil
}

// parseCurrentPayload decodes `sessions current --json`, falling back to
// the fixed-path search when the payload isn't a sessions batch.
func parseCurrentPayload(raw string) (string, uint64, uint64, error) {
	if sessions, err := ParseSessionsPayload(raw); err == nil {
		latest := sessions[0]
		for _, s := range sessions[1:] {
			if s.updatedAt > latest.updatedAt {
				latest = s
			}
		}
		return latest.sessionID, latest.used, latest.max, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", 0, 0, fmt.Errorf("invalid usage JSON: %w", err)
	}

	sessionID := "current"
	for _, key := range []string{"sessionId", "id"} {
		if s, ok := asString(parsed[key]); ok && s != "" {
			sessionID = s
			break
		}
	}

	used, ok := findUint64(parsed, currentUsedPaths)
	if !ok {
		if v, ok2 := findUint64(parsed, [][]string{{"usedTokens"}}); ok2 {
			used, ok = v, true
		}
	}
	if !ok {
		return "", 0, 0, fmt.Errorf("usage payload missing used token fields")
	}

	max, ok := findUint64(parsed, currentMaxPaths)
	if !ok {
		if v, ok2 := findUint64(parsed, [][]string{{"maxTokens"}}); ok2 {
			max = v
		} else {
			max = defaultMaxTokens
		}
	}
	return sessionID, used, max, nil
}

// Collector shells out to the host binary for usage data.
type Collector struct {
	HostBin string
	Timeout time.Duration
}

func New(hostBin string) *Collector {
	return &Collector{HostBin: hostBin, Timeout: executil.ShortTimeout}
}

func (c *Collector) args(envKey string, fallback []string) []string {
	if custom := os.Getenv(envKey); custom != "" {
		return splitFields(custom)
	}
	return fallback
}

func splitFields(s string) []string {
	var out []string
	var cur []byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == ' ' || ch == '\t' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, ch)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// CollectCurrent runs `sessions current --json` (overridable via
// MOON_OPENCLAW_USAGE_ARGS) and parses the resulting snapshot.
func (c *Collector) CollectCurrent(ctx context.Context) (Snapshot, error) {
	args := c.args("MOON_OPENCLAW_USAGE_ARGS", []string{"sessions", "current", "--json"})
	res, err := executil.Run(ctx, c.Timeout, c.HostBin, args...)
	if err != nil {
		return Snapshot{}, fmt.Errorf("run %s %v: %w", c.HostBin, args, err)
	}
	if res.ExitCode != 0 {
		return Snapshot{}, fmt.Errorf("usage command failed: %s", res.Stderr)
	}

	sessionID, used, max, err := parseCurrentPayload(res.Stdout)
	if err != nil {
		return Snapshot{}, err
	}
	return toSnapshot(sessionID, used, max, time.Now().Unix()), nil
}

// CollectBatch runs `sessions --json`, returning every session snapshot
// plus the one with the greatest updated-at as Current.
func (c *Collector) CollectBatch(ctx context.Context) (Batch, error) {
	res, err := executil.Run(ctx, c.Timeout, c.HostBin, "sessions", "--json")
	if err != nil {
		return Batch{}, fmt.Errorf("run %s sessions --json: %w", c.HostBin, err)
	}
	if res.ExitCode != 0 {
		return Batch{}, fmt.Errorf("sessions command failed: %s", res.Stderr)
	}

	parsed, err := ParseSessionsPayload(res.Stdout)
	if err != nil {
		return Batch{}, err
	}
	if len(parsed) == 0 {
		return Batch{}, nil
	}

	capturedAt := time.Now().Unix()
	sessions := make([]Snapshot, 0, len(parsed))
	latest := parsed[0]
	for _, p := range parsed {
		sessions = append(sessions, toSnapshot(p.sessionID, p.used, p.max, capturedAt))
		if p.updatedAt > latest.updatedAt {
			latest = p
		}
	}
	current := toSnapshot(latest.sessionID, latest.used, latest.max, capturedAt)
	return Batch{Current: current, Sessions: sessions}, nil
}
