package distill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"moonmem/internal/lock"
	"moonmem/internal/paths"
)

func testPaths(t *testing.T) *paths.Paths {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MOON_HOME", home)
	for _, v := range []string{
		"MOON_ARCHIVES_DIR", "MOON_MEMORY_DIR", "MOON_STATE_DIR", "MOON_LOGS_DIR",
		"MOON_MEMORY_FILE", "MOON_CONFIG_PATH", "MOON_STATE_FILE", "QMD_BIN", "OPENCLAW_SESSIONS_DIR",
	} {
		t.Setenv(v, "")
	}
	p, err := paths.Resolve()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.LogsDir, 0o755))
	require.NoError(t, os.MkdirAll(p.MemoryDir, 0o755))
	return p
}

func TestCleanCandidateTextCollapsesWhitespaceAndTruncates(t *testing.T) {
	cleaned, ok := cleanCandidateText("  hello\n\tworld  ")
	require.True(t, ok)
	require.Equal(t, "hello world", cleaned)

	_, ok = cleanCandidateText("   \n\t  ")
	require.False(t, ok)
}

func TestExtractMessageEntryParsesToolUse(t *testing.T) {
	entry := map[string]interface{}{
		"message": map[string]interface{}{
			"role": "assistant",
			"content": []interface{}{
				map[string]interface{}{
					"type": "toolUse",
					"name": "write_to_file",
					"input": map[string]interface{}{
						"path": "/tmp/out.txt",
					},
				},
			},
		},
	}
	e, ok := extractMessageEntry(entry)
	require.True(t, ok)
	require.Equal(t, "write_to_file", e.ToolName)
	require.Equal(t, "/tmp/out.txt", e.ToolTarget)
	require.Equal(t, PriorityHigh, e.Priority)
}

func TestExtractMessageEntrySkipsNoisyToolResult(t *testing.T) {
	entry := map[string]interface{}{
		"message": map[string]interface{}{
			"role": "toolResult",
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": `{"huge":"json blob that looks structured"}`},
			},
		},
	}
	_, ok := extractMessageEntry(entry)
	require.False(t, ok)
}

func TestIsProjectionNoiseEntryDetectsNoReply(t *testing.T) {
	require.True(t, isProjectionNoiseEntry(Entry{Content: "NO_REPLY"}))
	require.True(t, isProjectionNoiseEntry(Entry{Content: `{"action":"poll"}`}))
	require.False(t, isProjectionNoiseEntry(Entry{Content: "normal assistant reply"}))
}

func TestParseJSONLArchiveExtractsEntriesAndFiltersNoise(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	lines := `{"message":{"role":"user","content":[{"type":"text","text":"please fix the bug"}]}}
{"message":{"role":"assistant","content":[{"type":"text","text":"NO_REPLY"}]}}
{"message":{"role":"assistant","content":[{"type":"text","text":"fixed it"}]}}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	data, err := ParseJSONLArchive(path)
	require.NoError(t, err)
	require.Equal(t, 3, data.MessageCount)
	require.Equal(t, 1, data.FilteredNoiseCount)
	require.Len(t, data.Entries, 2)
}

func TestBuildExecutionSummaryExtractsGoalAndOutcome(t *testing.T) {
	data := ProjectionData{
		Entries: []Entry{
			{Role: RoleUser, Content: "please migrate the database"},
			{Role: RoleAssistant, Content: "started work", ToolName: "exec", ToolTarget: "migrate.sh"},
			{Role: RoleAssistant, Content: "migration failed, will retry"},
		},
	}
	summary := BuildExecutionSummary(data)
	require.Equal(t, "please migrate the database", summary.Goal)
	require.Equal(t, "migration failed, will retry", summary.Outcome)
	require.Contains(t, summary.KeyActions, "used `exec` on migrate.sh")
	require.Contains(t, summary.NotableBlocker, "retry")
}

func TestUpsertMarkedBlockReplacesExistingSessionBlock(t *testing.T) {
	existing := "# Daily Memory 2026-07-31\n\n" + sessionBlockBeginPrefix + "abc -->\nold block\n" + sessionBlockEndPrefix + "abc -->\n"
	updated := upsertMarkedBlock(existing, "abc", sessionBlockBeginPrefix+"abc -->\nnew block\n"+sessionBlockEndPrefix+"abc -->\n")
	require.Contains(t, updated, "new block")
	require.NotContains(t, updated, "old block")
}

func TestUpsertMarkedBlockAppendsWhenAbsent(t *testing.T) {
	existing := "# Daily Memory 2026-07-31\n\n"
	block := sessionBlockBeginPrefix + "xyz -->\nfresh block\n" + sessionBlockEndPrefix + "xyz -->\n"
	updated := upsertMarkedBlock(existing, "xyz", block)
	require.Contains(t, updated, "fresh block")
}

func TestNormalizeWritesDailyMemoryBlock(t *testing.T) {
	p := testPaths(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(src, []byte(
		`{"message":{"role":"user","content":[{"type":"text","text":"investigate the outage"}]}}
{"message":{"role":"assistant","content":[{"type":"text","text":"resolved the outage"}]}}
`), 0o644))

	block, err := Normalize(p, NormalizeInput{SourcePath: src, SessionID: "sess-1", ArchiveEpochSecs: 1_722_000_000})
	require.NoError(t, err)
	require.Contains(t, block, "sess-1")

	dailyPath := DailyMemoryPath(p, 1_722_000_000)
	raw, err := os.ReadFile(dailyPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), "sess-1")
	require.Contains(t, string(raw), "investigate the outage")
}

func TestNormalizeFailsWhenLockHeld(t *testing.T) {
	p := testPaths(t)
	lockPath := filepath.Join(p.LogsDir, "l1-normalisation.lock")
	held, ok, err := lock.TryAcquire(lockPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(src, []byte(`{"message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`), 0o644))

	_, err = Normalize(p, NormalizeInput{SourcePath: src, SessionID: "sess-2", ArchiveEpochSecs: 1_722_000_000})
	require.Error(t, err)
}
