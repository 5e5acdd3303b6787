package distill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"moonmem/internal/lock"
	"moonmem/internal/paths"
	"moonmem/internal/providers"
)

const (
	maxWisdomLines             = 240
	maxWisdomItemsPerSection   = 8
	wisdomContextSafetyRatio   = 0.90
	wisdomPromptOverheadBytes  = 8 * 1024
	wisdomMinDailyChunkBytes   = 16 * 1024
	autoChunkBytesPerToken     = 3.0
	minDistillChunkBytes       = 64 * 1024
	maxAutoChunkBytes          = 2 * 1024 * 1024
)

// SynthesisInput is one L2 synthesis ("syns") request.
type SynthesisInput struct {
	Trigger     string
	DayEpochSecs *int64
	SourcePaths []string
	DryRun      bool
}

// SynthesisOutput is what a synthesis run produced.
type SynthesisOutput struct {
	Summary  string
	Provider string
	Wrote    bool
}

func tokenLimitToBytes(tokens uint64, safetyRatio float64) int {
	estimated := int(float64(tokens) * autoChunkBytesPerToken * safetyRatio)
	if estimated < minDistillChunkBytes {
		return minDistillChunkBytes
	}
	if estimated > maxAutoChunkBytes {
		return maxAutoChunkBytes
	}
	return estimated
}

func truncateTextToBytes(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	b := []byte(text)[:maxBytes]
	for len(b) > 0 && (b[len(b)-1]&0xC0) == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// splitTextByMaxBytes splits text into line-respecting chunks no larger
// than maxChunkBytes each.
func splitTextByMaxBytes(text string, maxChunkBytes int) []string {
	if maxChunkBytes <= 0 {
		maxChunkBytes = minDistillChunkBytes
	}
	var chunks []string
	var current strings.Builder
	currentBytes := 0

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		lineBytes := len(line)
		if currentBytes > 0 && currentBytes+lineBytes > maxChunkBytes {
			chunks = append(chunks, current.String())
			current.Reset()
			currentBytes = 0
		}
		current.WriteString(line)
		currentBytes += lineBytes
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 {
		chunks = append(chunks, truncateTextToBytes(text, maxChunkBytes))
	}
	return chunks
}

func buildWisdomPrompt(dayKey, dailyMemory, currentMemory string) string {
	return fmt.Sprintf(
		"You are maintaining MEMORY.md from daily conversation memory.\n"+
			"Date: %s\n"+
			"Return markdown only with exactly these sections:\n"+
			"## Lessons Learned\n"+
			"## User Preferences\n"+
			"## Durable Decisions & Context\n"+
			"Rules:\n"+
			"- Keep concise, high-signal bullets only.\n"+
			"- Prefer repeated user preferences and durable decisions.\n"+
			"- Do not include raw dialogue transcripts.\n"+
			"- Merge with existing MEMORY context and avoid duplicates.\n\n"+
			"Current MEMORY.md:\n%s\n\n"+
			"Today's daily memory:\n%s\n",
		dayKey, currentMemory, dailyMemory,
	)
}

func buildWisdomChunkPrompt(dayKey string, chunkIndex, chunkTotal int, dailyChunk, currentMemory string) string {
	return fmt.Sprintf(
		"You are maintaining MEMORY.md from daily conversation memory.\n"+
			"Date: %s (chunk %d of %d)\n"+
			"Return markdown only with exactly these sections:\n"+
			"## Lessons Learned\n"+
			"## User Preferences\n"+
			"## Durable Decisions & Context\n"+
			"Rules:\n"+
			"- Keep concise, high-signal bullets only.\n"+
			"- Prefer repeated user preferences and durable decisions.\n"+
			"- Do not include raw dialogue transcripts.\n"+
			"- Merge with existing MEMORY context and avoid duplicates.\n\n"+
			"Current MEMORY.md:\n%s\n\n"+
			"This chunk of today's daily memory:\n%s\n",
		dayKey, chunkIndex, chunkTotal, currentMemory, dailyChunk,
	)
}

func pushUniqueLimited(list []string, seen map[string]bool, line string, limit int) []string {
	if len(list) >= limit {
		return list
	}
	key := strings.ToLower(line)
	if seen[key] {
		return list
	}
	seen[key] = true
	return append(list, line)
}

// extractLayer1MemoryLines pulls user/assistant/execution-summary lines out
// of a rendered daily memory file for the local-rendering fallback.
func extractLayer1MemoryLines(dailyMemory string) (user, assistant, exec []string) {
	inExec := false
	for _, raw := range strings.Split(dailyMemory, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "### Execution Summary") {
			inExec = true
			continue
		}
		if strings.HasPrefix(line, "### ") {
			inExec = false
		}
		switch {
		case strings.HasPrefix(line, "**User:**"):
			user = append(user, strings.TrimSpace(strings.TrimPrefix(line, "**User:**")))
		case strings.HasPrefix(line, "**Assistant:**"):
			assistant = append(assistant, strings.TrimSpace(strings.TrimPrefix(line, "**Assistant:**")))
		case strings.HasPrefix(line, "- [user]"):
			user = append(user, strings.TrimSpace(strings.TrimPrefix(line, "- [user]")))
		case strings.HasPrefix(line, "- [assistant]"):
			assistant = append(assistant, strings.TrimSpace(strings.TrimPrefix(line, "- [assistant]")))
		case inExec && strings.HasPrefix(line, "- "):
			exec = append(exec, strings.TrimSpace(strings.TrimPrefix(line, "- ")))
		}
	}
	return
}

var prefKeywords = []string{"prefer", "like", "likes", "want", "wants", "please", "must", "should", "always", "never", "no "}

// localWisdomSections classifies daily-memory lines into the three
// sections deterministically, used when the provider is "local".
func localWisdomSections(dailyMemory, currentMemory string) (lessons, prefs, durable []string) {
	userLines, assistantLines, execLines := extractLayer1MemoryLines(dailyMemory)
	lessonsSeen, prefsSeen, durableSeen := map[string]bool{}, map[string]bool{}, map[string]bool{}

	for _, line := range userLines {
		lower := strings.ToLower(line)
		for _, kw := range prefKeywords {
			if strings.Contains(lower, kw) {
				prefs = pushUniqueLimited(prefs, prefsSeen, line, maxWisdomItemsPerSection)
				break
			}
		}
		if strings.Contains(lower, "decision") || strings.Contains(lower, "rule") ||
			strings.Contains(lower, "keep") || strings.Contains(lower, "use") {
			durable = pushUniqueLimited(durable, durableSeen, line, maxWisdomItemsPerSection)
		}
	}

	userCounts := map[string]int{}
	for _, line := range userLines {
		userCounts[strings.ToLower(line)]++
	}
	for _, line := range userLines {
		if userCounts[strings.ToLower(line)] >= 2 {
			prefs = pushUniqueLimited(prefs, prefsSeen, line, maxWisdomItemsPerSection)
		}
	}

	for _, line := range execLines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "outcome") || strings.Contains(lower, "lesson") ||
			strings.Contains(lower, "blocker") || strings.Contains(lower, "retry") {
			lessons = pushUniqueLimited(lessons, lessonsSeen, line, maxWisdomItemsPerSection)
		}
	}

	for _, line := range assistantLines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "fixed") || strings.Contains(lower, "resolved") ||
			strings.Contains(lower, "learned") || strings.Contains(lower, "failed") || strings.Contains(lower, "retry") {
			lessons = pushUniqueLimited(lessons, lessonsSeen, line, maxWisdomItemsPerSection)
		}
		if strings.Contains(lower, "decision") || strings.Contains(lower, "rule") ||
			strings.Contains(lower, "must") || strings.Contains(lower, "keep") {
			durable = pushUniqueLimited(durable, durableSeen, line, maxWisdomItemsPerSection)
		}
	}

	if len(lessons) == 0 && len(execLines) > 0 {
		for _, line := range execLines {
			lessons = pushUniqueLimited(lessons, lessonsSeen, line, 3)
			if len(lessons) >= 3 {
				break
			}
		}
	}
	if len(lessons) == 0 {
		lessons = pushUniqueLimited(lessons, lessonsSeen, "Completed daily synthesis and retained actionable signals.", maxWisdomItemsPerSection)
	}
	if len(prefs) == 0 {
		prefs = pushUniqueLimited(prefs, prefsSeen, "No explicit repeated preference was detected today.", maxWisdomItemsPerSection)
	}
	if len(durable) == 0 {
		if strings.TrimSpace(currentMemory) != "" {
			durable = pushUniqueLimited(durable, durableSeen, "Preserved prior durable context from existing MEMORY.md.", maxWisdomItemsPerSection)
		} else {
			durable = pushUniqueLimited(durable, durableSeen, "No new durable decision was identified today.", maxWisdomItemsPerSection)
		}
	}
	return lessons, prefs, durable
}

func renderWisdomSummary(lessons, prefs, durable []string) string {
	var b strings.Builder
	b.WriteString("## Lessons Learned\n")
	for i, line := range lessons {
		if i >= maxWisdomItemsPerSection {
			break
		}
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\n## User Preferences\n")
	for i, line := range prefs {
		if i >= maxWisdomItemsPerSection {
			break
		}
		b.WriteString("- " + line + "\n")
	}
	b.WriteString("\n## Durable Decisions & Context\n")
	for i, line := range durable {
		if i >= maxWisdomItemsPerSection {
			break
		}
		b.WriteString("- " + line + "\n")
	}
	return b.String()
}

type wisdomSection int

const (
	sectionUnknown wisdomSection = iota
	sectionLessons
	sectionPrefs
	sectionDurable
)

// normalizeWisdomSummary coerces a remote model's raw markdown into the
// three required sections, falling back to the local classification for
// any section the model left empty.
func normalizeWisdomSummary(raw, dailyMemory, currentMemory string) string {
	section := sectionUnknown
	var lessons, prefs, durable []string
	lessonsSeen, prefsSeen, durableSeen := map[string]bool{}, map[string]bool{}, map[string]bool{}

	for _, rawLine := range strings.Split(raw, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "lesson"):
				section = sectionLessons
			case strings.Contains(lower, "preference") || strings.Contains(lower, "like"):
				section = sectionPrefs
			case strings.Contains(lower, "durable") || strings.Contains(lower, "decision") || strings.Contains(lower, "context"):
				section = sectionDurable
			default:
				section = sectionUnknown
			}
			continue
		}

		normalized := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "- "), "* "))
		if normalized == "" || strings.HasPrefix(normalized, "**User:**") || strings.HasPrefix(normalized, "**Assistant:**") {
			continue
		}

		lower := strings.ToLower(normalized)
		target := section
		if target == sectionUnknown {
			switch {
			case strings.Contains(lower, "prefer") || strings.Contains(lower, "like") ||
				strings.Contains(lower, "repeat") || strings.Contains(lower, "wants"):
				target = sectionPrefs
			case strings.Contains(lower, "decision") || strings.Contains(lower, "rule") ||
				strings.Contains(lower, "context") || strings.Contains(lower, "durable"):
				target = sectionDurable
			default:
				target = sectionLessons
			}
		}

		switch target {
		case sectionLessons:
			lessons = pushUniqueLimited(lessons, lessonsSeen, normalized, maxWisdomItemsPerSection)
		case sectionPrefs:
			prefs = pushUniqueLimited(prefs, prefsSeen, normalized, maxWisdomItemsPerSection)
		case sectionDurable:
			durable = pushUniqueLimited(durable, durableSeen, normalized, maxWisdomItemsPerSection)
		}
	}

	fallbackLessons, fallbackPrefs, fallbackDurable := localWisdomSections(dailyMemory, currentMemory)
	if len(lessons) == 0 {
		lessons = fallbackLessons
	}
	if len(prefs) == 0 {
		prefs = fallbackPrefs
	}
	if len(durable) == 0 {
		durable = fallbackDurable
	}
	return renderWisdomSummary(lessons, prefs, durable)
}

func validateWisdomSummary(summary string) error {
	lower := strings.ToLower(summary)
	if !strings.Contains(lower, "## lessons learned") {
		return errors.New("wisdom summary missing `Lessons Learned` section")
	}
	if !strings.Contains(lower, "## user preferences") {
		return errors.New("wisdom summary missing `User Preferences` section")
	}
	if !strings.Contains(lower, "## durable decisions & context") {
		return errors.New("wisdom summary missing `Durable Decisions & Context` section")
	}
	if strings.Count(summary, "\n") > maxWisdomLines {
		return errors.New("wisdom summary exceeds concise line budget")
	}
	if strings.Contains(summary, "**User:**") || strings.Contains(summary, "**Assistant:**") {
		return errors.New("wisdom summary contains raw dialogue markers")
	}
	return nil
}

// generateWisdomSummary resolves the remote provider (or local) and
// produces the final three-section summary plus the label of whichever
// provider actually produced it.
func generateWisdomSummary(dayKey, dailyMemory, currentMemory string) (string, string, error) {
	remote, err := providers.ResolveWisdomConfig()
	if err != nil {
		return "", "", err
	}
	if remote == nil {
		lessons, prefs, durable := localWisdomSections(dailyMemory, currentMemory)
		return "local", renderWisdomSummary(lessons, prefs, durable), nil
	}

	contextTokens := providers.DetectContextTokens(*remote)
	contextBudgetBytes := tokenLimitToBytes(contextTokens, wisdomContextSafetyRatio)
	boundedCurrentBudget := contextBudgetBytes / 3
	if boundedCurrentBudget < wisdomMinDailyChunkBytes {
		boundedCurrentBudget = wisdomMinDailyChunkBytes
	}
	boundedCurrentMemory := truncateTextToBytes(currentMemory, boundedCurrentBudget)

	dailyChunkBudget := contextBudgetBytes - len(boundedCurrentMemory) - wisdomPromptOverheadBytes
	if dailyChunkBudget < wisdomMinDailyChunkBytes {
		dailyChunkBudget = wisdomMinDailyChunkBytes
	}
	dailyChunks := splitTextByMaxBytes(dailyMemory, dailyChunkBudget)

	ctx := context.Background()
	var partialSummaries []string
	var firstRemoteErr error

	for idx, chunk := range dailyChunks {
		chunkBody := chunk
		prompt := buildWisdomChunkPrompt(dayKey, idx+1, len(dailyChunks), chunkBody, boundedCurrentMemory)

		if len(prompt) > contextBudgetBytes && len(chunkBody) > wisdomMinDailyChunkBytes {
			nextBudget := len(chunkBody) * 8 / 10
			chunkBody = truncateTextToBytes(chunkBody, nextBudget)
			prompt = buildWisdomChunkPrompt(dayKey, idx+1, len(dailyChunks), chunkBody, boundedCurrentMemory)
		}
		if len(prompt) > contextBudgetBytes {
			continue
		}

		raw, err := providers.CallPrompt(ctx, *remote, prompt)
		if err != nil {
			if firstRemoteErr == nil {
				firstRemoteErr = err
			}
			continue
		}
		partialSummaries = append(partialSummaries, normalizeWisdomSummary(raw, chunkBody, currentMemory))
	}

	if len(partialSummaries) > 0 {
		merged := partialSummaries[0]
		if len(partialSummaries) > 1 {
			merged = normalizeWisdomSummary(strings.Join(partialSummaries, "\n\n"), dailyMemory, currentMemory)
		}
		return remote.Provider.String(), merged, nil
	}

	boundedDaily := truncateTextToBytes(dailyMemory, maxInt(contextBudgetBytes-len(boundedCurrentMemory)-wisdomPromptOverheadBytes, wisdomMinDailyChunkBytes))
	prompt := buildWisdomPrompt(dayKey, boundedDaily, boundedCurrentMemory)
	if len(prompt) <= contextBudgetBytes {
		if raw, err := providers.CallPrompt(ctx, *remote, prompt); err == nil {
			return remote.Provider.String(), normalizeWisdomSummary(raw, dailyMemory, currentMemory), nil
		}
	}

	if firstRemoteErr != nil {
		return "", "", fmt.Errorf("syns skipped: configured primary model failed. Fix MOON_WISDOM_PROVIDER / MOON_WISDOM_MODEL and provider credentials: %w", firstRemoteErr)
	}
	return "", "", errors.New("syns skipped: configured primary model produced no usable output. Fix MOON_WISDOM_PROVIDER / MOON_WISDOM_MODEL and retry.")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// distillAuditEvent is one structured entry appended to distill.audit.log.
type distillAuditEvent struct {
	AtEpochSecs int64  `json:"at_epoch_secs"`
	Mode        string `json:"mode"`
	Trigger     string `json:"trigger"`
	Sources     string `json:"sources"`
	Target      string `json:"target"`
	InputHash   string `json:"input_hash"`
	OutputHash  string `json:"output_hash"`
	Provider    string `json:"provider"`
}

func appendDistillAuditEvent(logsDir string, event distillAuditEvent) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "distill.audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func readNonEmptySources(explicit []string, todayDaily, memoryFile string) ([]string, []string, error) {
	var paths []string
	if len(explicit) > 0 {
		for _, p := range explicit {
			info, err := os.Stat(p)
			if err != nil || info.Size() == 0 {
				return nil, nil, fmt.Errorf("source %s is not readable or empty", p)
			}
			paths = append(paths, p)
		}
	} else {
		for _, p := range []string{todayDaily, memoryFile} {
			if info, err := os.Stat(p); err == nil && info.Size() > 0 {
				paths = append(paths, p)
			}
		}
	}

	var blocks []string
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("--- %s ---\n%s", p, raw))
	}
	return paths, blocks, nil
}

// Synthesize runs L2 synthesis ("syns"): resolves sources, the primary
// model, chunk budget, calls the model (or renders locally), validates the
// result, and — unless dry-run — atomically replaces MEMORY.md with an
// audited rollback on failure.
func Synthesize(p *paths.Paths, in SynthesisInput) (SynthesisOutput, error) {
	dayEpoch := time.Now().Unix()
	if in.DayEpochSecs != nil {
		dayEpoch = *in.DayEpochSecs
	}
	dayKey := time.Unix(dayEpoch, 0).Local().Format("2006-01-02")
	todayDaily := DailyMemoryPath(p, dayEpoch)
	memoryFile := p.LongTermMemory

	sourcePaths, blocks, err := readNonEmptySources(in.SourcePaths, todayDaily, memoryFile)
	if err != nil {
		return SynthesisOutput{}, err
	}
	sort.Strings(sourcePaths)
	dailyMemory := strings.Join(blocks, "\n\n")

	currentMemory := ""
	if raw, err := os.ReadFile(memoryFile); err == nil {
		currentMemory = string(raw)
	}

	provider, summary, err := generateWisdomSummary(dayKey, dailyMemory, currentMemory)
	if err != nil {
		return SynthesisOutput{}, err
	}

	if err := validateWisdomSummary(summary); err != nil {
		return SynthesisOutput{}, fmt.Errorf("syns skipped: %w", err)
	}

	if in.DryRun {
		return SynthesisOutput{Summary: summary, Provider: provider}, nil
	}

	lockPath := filepath.Join(p.LogsDir, "memory.md.lock")
	handle, err := lock.AcquireBlocking(lockPath)
	if err != nil {
		return SynthesisOutput{}, fmt.Errorf("acquire memory.md lock: %w", err)
	}
	defer handle.Close()

	previous := currentMemory
	finalContent := fmt.Sprintf("# MEMORY\n\n%s\n", summary)
	if err := atomicWriteFile(memoryFile, finalContent); err != nil {
		return SynthesisOutput{}, fmt.Errorf("write %s: %w", memoryFile, err)
	}

	event := distillAuditEvent{
		AtEpochSecs: time.Now().Unix(),
		Mode:        "syns",
		Trigger:     in.Trigger,
		Sources:     strings.Join(sourcePaths, ";"),
		Target:      memoryFile,
		InputHash:   sha256Hex(dailyMemory),
		OutputHash:  sha256Hex(summary),
		Provider:    provider,
	}
	if err := appendDistillAuditEvent(p.LogsDir, event); err != nil {
		if restoreErr := atomicWriteFile(memoryFile, previous); restoreErr != nil {
			return SynthesisOutput{}, fmt.Errorf("audit append failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return SynthesisOutput{}, fmt.Errorf("audit append failed, restored previous MEMORY.md: %w", err)
	}

	return SynthesisOutput{Summary: summary, Provider: provider, Wrote: true}, nil
}
