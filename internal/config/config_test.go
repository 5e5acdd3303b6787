package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsOutOfRangeTriggerRatio(t *testing.T) {
	cfg := Default()
	cfg.Thresholds.TriggerRatio = 1.5
	require.Error(t, cfg.Validate())

	cfg.Thresholds.TriggerRatio = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroPollInterval(t *testing.T) {
	cfg := Default()
	cfg.Watcher.PollIntervalSecs = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDistillMode(t *testing.T) {
	cfg := Default()
	cfg.Distill.Mode = "whenever"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRetentionOrdering(t *testing.T) {
	cfg := Default()
	cfg.Retention = Retention{ActiveDays: 10, WarmDays: 5, ColdDays: 20}
	require.Error(t, cfg.Validate())

	cfg.Retention = Retention{ActiveDays: 5, WarmDays: 10, ColdDays: 10}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsFixedWindowBelowFloor(t *testing.T) {
	cfg := Default()
	cfg.Context = &ContextPolicy{
		WindowMode: ContextWindowFixed, WindowTokens: 1000,
		StartRatio: 0.7, EmergencyRatio: 0.9,
	}
	require.Error(t, cfg.Validate())

	cfg.Context.WindowTokens = 20000
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().Thresholds.TriggerRatio, cfg.Thresholds.TriggerRatio)
}

func TestLoadParsesTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[thresholds]
trigger_ratio = 0.7

[watcher]
poll_interval_secs = 30
cooldown_secs = 120
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.7, cfg.Thresholds.TriggerRatio)
	require.Equal(t, uint64(30), cfg.Watcher.PollIntervalSecs)
}

func TestLoadAcceptsLegacyArchiveRatioKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[thresholds]\narchive_ratio = 0.6\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.6, cfg.Thresholds.TriggerRatio)
}

func TestLoadAcceptsLegacyPruneRatioKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[thresholds]\nprune_ratio = 0.65\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.65, cfg.Thresholds.TriggerRatio)
}

func TestLoadPrefersTriggerRatioOverLegacyAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"[thresholds]\ntrigger_ratio = 0.7\narchive_ratio = 0.4\nprune_ratio = 0.3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.7, cfg.Thresholds.TriggerRatio)
}

func TestLoadPrefersCompactionRatioOverArchiveRatio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"[thresholds]\ncompaction_ratio = 0.55\narchive_ratio = 0.4\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.55, cfg.Thresholds.TriggerRatio)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[thresholds]\ntrigger_ratio = 0.7\n"), 0o644))
	t.Setenv("MOON_TRIGGER_RATIO", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.5, cfg.Thresholds.TriggerRatio)
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "[UNSET]", MaskSecret(""))
	require.Equal(t, "[SET]", MaskSecret("short"))
	require.Equal(t, "sk-…cdef", MaskSecret("sk-1234567890abcdef"))
}

func TestAuditEnvironmentFlagsUnknownWithSuggestion(t *testing.T) {
	warnings := AuditEnvironment([]string{"MOON_TRIGER_RATIO=0.5", "MOON_HOME=/x", "PATH=/bin"})
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "MOON_TRIGER_RATIO")
	require.Contains(t, warnings[0], "MOON_TRIGGER_RATIO")
}
