package distill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateWisdomSummaryRejectsMissingSections(t *testing.T) {
	require.Error(t, validateWisdomSummary("## Lessons Learned\n- a\n"))
}

func TestValidateWisdomSummaryRejectsRawDialogue(t *testing.T) {
	summary := "## Lessons Learned\n- a\n## User Preferences\n- b\n## Durable Decisions & Context\n- c\n**User:** hi\n"
	require.Error(t, validateWisdomSummary(summary))
}

func TestValidateWisdomSummaryAcceptsWellFormed(t *testing.T) {
	summary := "## Lessons Learned\n- a\n## User Preferences\n- b\n## Durable Decisions & Context\n- c\n"
	require.NoError(t, validateWisdomSummary(summary))
}

func TestLocalWisdomSectionsClassifiesLines(t *testing.T) {
	daily := "### Conversation\n\n**User:** please always use tabs\n\n**User:** please always use tabs\n\n**Assistant:** fixed the failing test\n\n### Execution Summary\n\n- Outcome: migration failed, will retry\n"
	lessons, prefs, durable := localWisdomSections(daily, "")
	require.NotEmpty(t, lessons)
	require.NotEmpty(t, prefs)
	require.NotEmpty(t, durable)
}

func TestNormalizeWisdomSummaryFallsBackWhenModelOutputEmpty(t *testing.T) {
	daily := "**User:** please always use tabs\n\n**Assistant:** fixed the bug\n"
	out := normalizeWisdomSummary("", daily, "")
	require.NoError(t, validateWisdomSummary(out))
}

func TestNormalizeWisdomSummaryParsesHeadedSections(t *testing.T) {
	raw := "## Lessons Learned\n- learned X\n## User Preferences\n- prefers Y\n## Durable Decisions & Context\n- decided Z\n"
	out := normalizeWisdomSummary(raw, "", "")
	require.Contains(t, out, "learned X")
	require.Contains(t, out, "prefers Y")
	require.Contains(t, out, "decided Z")
}

func TestSplitTextByMaxBytesRespectsBudget(t *testing.T) {
	text := "line one\nline two\nline three\nline four\n"
	chunks := splitTextByMaxBytes(text, 18)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 18+len("line four\n"))
	}
}

func TestGenerateWisdomSummaryUsesLocalWhenProviderIsLocal(t *testing.T) {
	t.Setenv("MOON_WISDOM_PROVIDER", "local")
	provider, summary, err := generateWisdomSummary("2026-07-31", "**User:** please keep this\n", "")
	require.NoError(t, err)
	require.Equal(t, "local", provider)
	require.NoError(t, validateWisdomSummary(summary))
}

func TestGenerateWisdomSummaryFailsWithoutProviderConfigured(t *testing.T) {
	t.Setenv("MOON_WISDOM_PROVIDER", "")
	_, _, err := generateWisdomSummary("2026-07-31", "daily", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing MOON_WISDOM_PROVIDER")
}

func TestSynthesizeDryRunDoesNotWriteMemory(t *testing.T) {
	t.Setenv("MOON_WISDOM_PROVIDER", "local")
	p := testPaths(t)

	daily := DailyMemoryPath(p, 1_722_000_000)
	require.NoError(t, os.MkdirAll(filepath.Dir(daily), 0o755))
	require.NoError(t, os.WriteFile(daily, []byte("**User:** please remember this\n"), 0o644))

	epoch := int64(1_722_000_000)
	out, err := Synthesize(p, SynthesisInput{Trigger: "manual", DayEpochSecs: &epoch, DryRun: true})
	require.NoError(t, err)
	require.False(t, out.Wrote)
	require.NoError(t, validateWisdomSummary(out.Summary))

	_, statErr := os.Stat(p.LongTermMemory)
	require.True(t, os.IsNotExist(statErr))
}

func TestSynthesizeWritesMemoryAndAuditEvent(t *testing.T) {
	t.Setenv("MOON_WISDOM_PROVIDER", "local")
	p := testPaths(t)

	daily := DailyMemoryPath(p, 1_722_000_000)
	require.NoError(t, os.MkdirAll(filepath.Dir(daily), 0o755))
	require.NoError(t, os.WriteFile(daily, []byte("**User:** please remember this\n"), 0o644))

	epoch := int64(1_722_000_000)
	out, err := Synthesize(p, SynthesisInput{Trigger: "manual", DayEpochSecs: &epoch})
	require.NoError(t, err)
	require.True(t, out.Wrote)

	raw, err := os.ReadFile(p.LongTermMemory)
	require.NoError(t, err)
	require.Contains(t, string(raw), "# MEMORY")

	auditRaw, err := os.ReadFile(filepath.Join(p.LogsDir, "distill.audit.log"))
	require.NoError(t, err)
	require.Contains(t, string(auditRaw), `"mode":"syns"`)
}

func TestSynthesizeFailsWhenNoSourcesAvailable(t *testing.T) {
	t.Setenv("MOON_WISDOM_PROVIDER", "local")
	p := testPaths(t)
	_, err := Synthesize(p, SynthesisInput{Trigger: "manual", SourcePaths: []string{filepath.Join(p.MemoryDir, "missing.md")}})
	require.Error(t, err)
}
