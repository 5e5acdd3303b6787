// Package config loads moonmem's layered configuration: built-in defaults,
// an optional TOML file, then environment variable overrides, with
// validation and a startup audit of unrecognised MOON_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ContextWindowMode selects how the context-compaction policy sizes its window.
type ContextWindowMode string

const (
	ContextWindowAuto  ContextWindowMode = "auto"
	ContextWindowFixed ContextWindowMode = "fixed"
)

// DistillMode selects when the watcher runs L1/L2 distillation.
type DistillMode string

const (
	DistillManual DistillMode = "manual"
	DistillIdle   DistillMode = "idle"
	DistillDaily  DistillMode = "daily"
)

// Thresholds configures the archive/compaction trigger evaluator.
type Thresholds struct {
	TriggerRatio float64 `toml:"trigger_ratio"`
}

// thresholdsAliases decodes the same [thresholds] table a second time to
// pick up the legacy keys config.rs's PartialMoonThresholds still accepts:
// compaction_ratio (aliased from the older prune_ratio key) and the
// original archive_ratio name. Resolution order matches
// merge_file_config's trigger_ratio.or(compaction_ratio).or(archive_ratio).
type thresholdsAliases struct {
	TriggerRatio    *float64 `toml:"trigger_ratio"`
	CompactionRatio *float64 `toml:"compaction_ratio"`
	PruneRatio      *float64 `toml:"prune_ratio"`
	ArchiveRatio    *float64 `toml:"archive_ratio"`
}

type configAliases struct {
	Thresholds thresholdsAliases `toml:"thresholds"`
}

// resolveTriggerRatio returns the effective trigger_ratio honouring the
// legacy aliases, or nil when the file sets none of the four keys.
func resolveTriggerRatio(t thresholdsAliases) *float64 {
	switch {
	case t.TriggerRatio != nil:
		return t.TriggerRatio
	case t.CompactionRatio != nil:
		return t.CompactionRatio
	case t.PruneRatio != nil:
		return t.PruneRatio
	case t.ArchiveRatio != nil:
		return t.ArchiveRatio
	default:
		return nil
	}
}

// Watcher configures the cycle orchestrator's pacing.
type Watcher struct {
	PollIntervalSecs  uint64   `toml:"poll_interval_secs"`
	CooldownSecs      uint64   `toml:"cooldown_secs"`
	InboundWatchPaths []string `toml:"inbound_watch_paths"`
	InboundWatchOn    bool     `toml:"inbound_watch_enabled"`
	HighTokenAlert    uint64   `toml:"high_token_alert_threshold"`
}

// Distill configures L1/L2 scheduling and chunking.
type Distill struct {
	Mode               DistillMode `toml:"mode"`
	IdleSecs           uint64      `toml:"idle_secs"`
	MaxPerCycle        uint64      `toml:"max_per_cycle"`
	Timezone           string      `toml:"timezone"`
	TopicDiscovery     bool        `toml:"topic_discovery"`
	ChunkBytes         uint64      `toml:"chunk_bytes"`
	MaxChunks          uint64      `toml:"max_chunks"`
	ModelContextTokens uint64      `toml:"model_context_tokens"`
}

// Retention configures the archive-deletion grace window, in days.
type Retention struct {
	ActiveDays uint64 `toml:"active_days"`
	WarmDays   uint64 `toml:"warm_days"`
	ColdDays   uint64 `toml:"cold_days"`
}

// GraceHours converts ColdDays into the hour window the watcher's retention
// sweep uses to decide when a distilled archive is eligible for deletion.
func (r Retention) GraceHours() uint64 { return r.ColdDays * 24 }

// Embed configures the embed worker's pacing and bounds.
type Embed struct {
	Mode           string `toml:"mode"`
	IdleSecs       uint64 `toml:"idle_secs"`
	CooldownSecs   uint64 `toml:"cooldown_secs"`
	MaxDocs        uint64 `toml:"max_docs"`
	MinPendingDocs uint64 `toml:"min_pending_docs"`
	MaxCycleSecs   uint64 `toml:"max_cycle_secs"`
}

// PruneMode selects how aggressively context gets trimmed once compaction fires.
type PruneMode string

// CompactionAuthority identifies which side owns the compaction decision.
type CompactionAuthority string

const (
	CompactionAuthorityEngine CompactionAuthority = "engine"
	CompactionAuthorityHost   CompactionAuthority = "host"
)

// ContextPolicy is the optional context-window compaction hysteresis config.
type ContextPolicy struct {
	WindowMode        ContextWindowMode    `toml:"window_mode"`
	WindowTokens       uint64               `toml:"window_tokens"`
	PruneMode          PruneMode            `toml:"prune_mode"`
	CompactionAuthority CompactionAuthority `toml:"compaction_authority"`
	StartRatio         float64              `toml:"start_ratio"`
	EmergencyRatio     float64              `toml:"emergency_ratio"`
	RecoverRatio       float64              `toml:"recover_ratio"`
}

// Config is the full layered configuration record.
type Config struct {
	Thresholds Thresholds     `toml:"thresholds"`
	Watcher    Watcher        `toml:"watcher"`
	Distill    Distill        `toml:"distill"`
	Retention  Retention      `toml:"retention"`
	Embed      Embed          `toml:"embed"`
	Context    *ContextPolicy `toml:"context"`

	DebugMode  bool            `toml:"debug_mode"`
	LogLevel   string          `toml:"log_level"`
	LogJSON    bool            `toml:"log_json_format"`
	Categories map[string]bool `toml:"log_categories"`
}

// Default returns the built-in configuration before any file or environment
// layer is applied.
func Default() *Config {
	return &Config{
		Thresholds: Thresholds{TriggerRatio: 0.85},
		Watcher: Watcher{
			PollIntervalSecs: 60,
			CooldownSecs:     300,
			HighTokenAlert:   180_000,
		},
		Distill: Distill{
			Mode:               DistillIdle,
			IdleSecs:           900,
			MaxPerCycle:        5,
			Timezone:           "Local",
			ChunkBytes:         512 * 1024,
			MaxChunks:          16,
			ModelContextTokens: 128_000,
		},
		Retention: Retention{ActiveDays: 7, WarmDays: 30, ColdDays: 90},
		Embed: Embed{
			Mode:           "auto",
			IdleSecs:       600,
			CooldownSecs:   900,
			MaxDocs:        8,
			MinPendingDocs: 1,
			MaxCycleSecs:   300,
		},
		LogLevel: "info",
	}
}

// Load applies the layered resolution: defaults, then an optional TOML file
// at path, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		var aliases configAliases
		if _, err := toml.Decode(string(data), &aliases); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if ratio := resolveTriggerRatio(aliases.Thresholds); ratio != nil {
			cfg.Thresholds.TriggerRatio = *ratio
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations spec.md §4.1 calls invalid.
func (c *Config) Validate() error {
	if c.Thresholds.TriggerRatio <= 0 || c.Thresholds.TriggerRatio > 1 {
		return fmt.Errorf("thresholds.trigger_ratio must be in (0, 1], got %v", c.Thresholds.TriggerRatio)
	}
	if c.Watcher.PollIntervalSecs == 0 {
		return fmt.Errorf("watcher.poll_interval_secs must be non-zero")
	}
	switch c.Distill.Mode {
	case DistillManual, DistillIdle, DistillDaily:
	default:
		return fmt.Errorf("distill.mode %q is not one of manual, idle, daily", c.Distill.Mode)
	}
	if c.Embed.MaxDocs == 0 || c.Embed.MinPendingDocs == 0 {
		return fmt.Errorf("embed.max_docs and embed.min_pending_docs must be non-zero")
	}
	if !(c.Retention.ActiveDays <= c.Retention.WarmDays && c.Retention.WarmDays < c.Retention.ColdDays) {
		return fmt.Errorf("retention days must satisfy active <= warm < cold (got %d/%d/%d)",
			c.Retention.ActiveDays, c.Retention.WarmDays, c.Retention.ColdDays)
	}
	if c.Context != nil {
		cp := c.Context
		if cp.WindowMode == ContextWindowFixed && cp.WindowTokens < 16000 {
			return fmt.Errorf("context.window_mode=fixed requires window_tokens >= 16000")
		}
		for name, v := range map[string]float64{"start_ratio": cp.StartRatio, "emergency_ratio": cp.EmergencyRatio} {
			if v <= 0 || v > 1 {
				return fmt.Errorf("context.%s must be in (0, 1], got %v", name, v)
			}
		}
		if cp.RecoverRatio < 0 || cp.RecoverRatio >= 1 {
			return fmt.Errorf("context.recover_ratio must be in [0, 1), got %v", cp.RecoverRatio)
		}
		if !(cp.StartRatio <= cp.EmergencyRatio) {
			return fmt.Errorf("context.start_ratio must be <= emergency_ratio")
		}
	}
	return nil
}

// MaskSecret implements the secret-masking rule from §4.1/§8: length >= 8
// shows first3…last4, shorter non-empty shows [SET], empty shows [UNSET].
func MaskSecret(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	if len(s) < 8 {
		return "[SET]"
	}
	return s[:3] + "…" + s[len(s)-4:]
}

// allowedEnvVars is the fixed allowlist environment overrides are checked
// against; unrecognised MOON_* variables are reported with a suggestion.
var allowedEnvVars = []string{
	"MOON_HOME", "MOON_CONFIG_PATH", "MOON_STATE_FILE", "MOON_STATE_DIR",
	"MOON_ARCHIVES_DIR", "MOON_MEMORY_DIR", "MOON_MEMORY_FILE", "MOON_LOGS_DIR",
	"MOON_TRIGGER_RATIO", "MOON_POLL_INTERVAL_SECS", "MOON_COOLDOWN_SECS",
	"MOON_INBOUND_WATCH_ENABLED", "MOON_INBOUND_WATCH_PATHS",
	"MOON_DISTILL_MODE", "MOON_DISTILL_IDLE_SECS", "MOON_DISTILL_MAX_PER_CYCLE",
	"MOON_DISTILL_TIMEZONE", "MOON_DISTILL_TOPIC_DISCOVERY", "MOON_DISTILL_CHUNK_BYTES",
	"MOON_DISTILL_MAX_CHUNKS", "MOON_DISTILL_MODEL_CONTEXT_TOKENS",
	"MOON_EMBED_MODE", "MOON_EMBED_IDLE_SECS", "MOON_EMBED_COOLDOWN_SECS",
	"MOON_EMBED_MAX_DOCS", "MOON_EMBED_MIN_PENDING_DOCS", "MOON_EMBED_MAX_CYCLE_SECS",
	"MOON_RETENTION_ACTIVE_DAYS", "MOON_RETENTION_WARM_DAYS", "MOON_RETENTION_COLD_DAYS",
	"MOON_WISDOM_PROVIDER", "MOON_WISDOM_MODEL", "MOON_WISDOM_CONTEXT_TOKENS",
	"MOON_HIGH_TOKEN_ALERT_THRESHOLD",
	"MOON_ENABLE_SESSION_ROLLOVER", "MOON_SESSION_ROLLOVER_CMD",
	"MOON_ENABLE_COMPACTION_WRITE", "MOON_ENABLE_PRUNE_WRITE",
	"OPENCLAW_BIN", "QMD_BIN", "OPENCLAW_SESSIONS_DIR",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "AI_API_KEY", "AI_BASE_URL",
	"AI_PROVIDER", "AI_MODEL",
}

func applyEnvOverrides(c *Config) {
	if v := envFloat("MOON_TRIGGER_RATIO"); v != nil {
		c.Thresholds.TriggerRatio = *v
	}
	if v := envUint("MOON_POLL_INTERVAL_SECS"); v != nil {
		c.Watcher.PollIntervalSecs = *v
	}
	if v := envUint("MOON_COOLDOWN_SECS"); v != nil {
		c.Watcher.CooldownSecs = *v
	}
	if v := envBool("MOON_INBOUND_WATCH_ENABLED"); v != nil {
		c.Watcher.InboundWatchOn = *v
	}
	if v := os.Getenv("MOON_INBOUND_WATCH_PATHS"); v != "" {
		c.Watcher.InboundWatchPaths = strings.Split(v, ",")
	}
	if v := envUint("MOON_HIGH_TOKEN_ALERT_THRESHOLD"); v != nil {
		c.Watcher.HighTokenAlert = *v
	}

	if v := os.Getenv("MOON_DISTILL_MODE"); v != "" {
		c.Distill.Mode = DistillMode(v)
	}
	if v := envUint("MOON_DISTILL_IDLE_SECS"); v != nil {
		c.Distill.IdleSecs = *v
	}
	if v := envUint("MOON_DISTILL_MAX_PER_CYCLE"); v != nil {
		c.Distill.MaxPerCycle = *v
	}
	if v := os.Getenv("MOON_DISTILL_TIMEZONE"); v != "" {
		c.Distill.Timezone = v
	}
	if v := envBool("MOON_DISTILL_TOPIC_DISCOVERY"); v != nil {
		c.Distill.TopicDiscovery = *v
	}
	if v := envUint("MOON_DISTILL_CHUNK_BYTES"); v != nil {
		c.Distill.ChunkBytes = *v
	}
	if v := envUint("MOON_DISTILL_MAX_CHUNKS"); v != nil {
		c.Distill.MaxChunks = *v
	}
	if v := envUint("MOON_DISTILL_MODEL_CONTEXT_TOKENS"); v != nil {
		c.Distill.ModelContextTokens = *v
	}

	if v := os.Getenv("MOON_EMBED_MODE"); v != "" {
		c.Embed.Mode = v
	}
	if v := envUint("MOON_EMBED_IDLE_SECS"); v != nil {
		c.Embed.IdleSecs = *v
	}
	if v := envUint("MOON_EMBED_COOLDOWN_SECS"); v != nil {
		c.Embed.CooldownSecs = *v
	}
	if v := envUint("MOON_EMBED_MAX_DOCS"); v != nil {
		c.Embed.MaxDocs = *v
	}
	if v := envUint("MOON_EMBED_MIN_PENDING_DOCS"); v != nil {
		c.Embed.MinPendingDocs = *v
	}
	if v := envUint("MOON_EMBED_MAX_CYCLE_SECS"); v != nil {
		c.Embed.MaxCycleSecs = *v
	}

	if v := envUint("MOON_RETENTION_ACTIVE_DAYS"); v != nil {
		c.Retention.ActiveDays = *v
	}
	if v := envUint("MOON_RETENTION_WARM_DAYS"); v != nil {
		c.Retention.WarmDays = *v
	}
	if v := envUint("MOON_RETENTION_COLD_DAYS"); v != nil {
		c.Retention.ColdDays = *v
	}
}

func envFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envUint(key string) *uint64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil
	}
	return &u
}

func envBool(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// AuditEnvironment scans the process environment for MOON_* variables not on
// the allowlist and reports each with a nearest-neighbour suggestion
// (edit distance <= 4), matching §4.1's startup audit.
func AuditEnvironment(environ []string) []string {
	var warnings []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "MOON_") {
			continue
		}
		if contains(allowedEnvVars, key) {
			continue
		}
		suggestion, dist := nearest(key, allowedEnvVars)
		if dist <= 4 {
			warnings = append(warnings, fmt.Sprintf("unknown env var %s (did you mean %s?)", key, suggestion))
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown env var %s", key))
		}
	}
	return warnings
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func nearest(key string, candidates []string) (string, int) {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein(key, c)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best, bestDist
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}
