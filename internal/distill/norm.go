package distill

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"moonmem/internal/audit"
	"moonmem/internal/lock"
	"moonmem/internal/logging"
	"moonmem/internal/paths"
)

func unescapeJSONNoise(input string) string {
	r := strings.NewReplacer(`\\"`, `"`, `\\n`, "\n", `\\t`, "\t", `\\\\`, `\`)
	return r.Replace(input)
}

func normalizeWhitespace(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

func truncateWithEllipsis(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	if maxChars <= 1 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-1]) + "…"
}

func cleanCandidateText(input string) (string, bool) {
	unescaped := unescapeJSONNoise(input)
	normalized := normalizeWhitespace(unescaped)
	if normalized == "" {
		return "", false
	}
	return truncateWithEllipsis(normalized, maxCandidateChars), true
}

func looksLikeJSONBlob(input string) bool {
	trimmed := strings.TrimLeft(input, " \t\r\n")
	return strings.HasPrefix(trimmed, "{") ||
		strings.HasPrefix(trimmed, "[") ||
		strings.Contains(trimmed, `"type":"message"`) ||
		strings.Contains(trimmed, `"message":{"role"`)
}

func shouldCollectToolKey(key string) bool {
	lower := strings.ToLower(key)
	switch lower {
	case "prompt", "query", "text", "description", "caption", "instruction",
		"instructions", "keywords", "title", "style", "task", "negative_prompt":
		return true
	}
	return strings.Contains(lower, "prompt") || strings.Contains(lower, "query") || strings.Contains(lower, "caption")
}

func isUsefulTextSignal(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return len(trimmed) >= 3 && len(trimmed) <= 2000
}

func extractFlagValue(raw, flag string) (string, bool) {
	pos := strings.Index(raw, flag)
	if pos < 0 {
		return "", false
	}
	rest := strings.TrimLeft(raw[pos+len(flag):], " \t")
	if rest == "" {
		return "", false
	}
	if strings.HasPrefix(rest, `"`) {
		var out strings.Builder
		escaped := false
		for _, ch := range rest[1:] {
			if escaped {
				out.WriteRune(ch)
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				break
			}
			out.WriteRune(ch)
		}
		return out.String(), true
	}
	if strings.HasPrefix(rest, "'") {
		var out strings.Builder
		for _, ch := range rest[1:] {
			if ch == '\'' {
				break
			}
			out.WriteRune(ch)
		}
		return out.String(), true
	}
	end := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if end < 0 {
		end = len(rest)
	}
	val := rest[:end]
	if val == "" {
		return "", false
	}
	return val, true
}

// collectToolInputSignals walks a tool's input/arguments value looking for
// lexically useful prompt/query-shaped strings, capped at 12 signals and
// depth 4 to bound the recursion on adversarial payloads.
func collectToolInputSignals(value interface{}, out map[string]bool, depth int) {
	if depth > 4 || len(out) >= 12 {
		return
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if len(out) >= 12 {
				return
			}
			if shouldCollectToolKey(key) {
				if raw, ok := child.(string); ok && isUsefulTextSignal(raw) {
					if cleaned, ok := cleanCandidateText(raw); ok {
						out[cleaned] = true
					}
				}
			}
			if strings.EqualFold(key, "command") {
				if raw, ok := child.(string); ok {
					for _, flag := range []string{"--prompt", "--query"} {
						if extracted, ok := extractFlagValue(raw, flag); ok && isUsefulTextSignal(extracted) {
							if cleaned, ok := cleanCandidateText(extracted); ok {
								out[cleaned] = true
							}
						}
					}
				}
			}
			collectToolInputSignals(child, out, depth+1)
		}
	case []interface{}:
		for i, child := range v {
			if i >= 16 || len(out) >= 12 {
				return
			}
			collectToolInputSignals(child, out, depth+1)
		}
	case string:
		if isUsefulTextSignal(v) {
			if cleaned, ok := cleanCandidateText(v); ok {
				out[cleaned] = true
			}
		}
	}
}

func sortedSignals(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func asStringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// extractMessageEntry converts one JSONL line's decoded object into an
// Entry, matching the message.content[] shapes described in §4.7: text
// parts, toolUse/toolCall parts (which also harvest tool-input signals),
// and toolResult parts (kept only when at most 220 characters, plain-text
// shaped).
func extractMessageEntry(entry map[string]interface{}) (Entry, bool) {
	message, ok := entry["message"].(map[string]interface{})
	if !ok {
		return Entry{}, false
	}
	role, _ := asStringField(message, "role")
	content, ok := message["content"].([]interface{})
	if !ok {
		return Entry{}, false
	}

	var textParts []string
	var toolName, toolTarget string
	priority := PriorityNormal
	hasTool := false

	if role == "toolResult" {
		for _, raw := range content {
			part, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := asStringField(part, "type"); t != "text" {
				continue
			}
			text, ok := asStringField(part, "text")
			if !ok {
				continue
			}
			cleaned, ok := cleanCandidateText(text)
			if !ok || len([]rune(cleaned)) > 220 || looksLikeJSONBlob(cleaned) ||
				strings.Contains(cleaned, "<<<EXTERNAL_UNTRUSTED_CONTENT>>>") {
				continue
			}
			textParts = append(textParts, cleaned)
		}
	} else {
		for _, raw := range content {
			part, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			partType, _ := asStringField(part, "type")
			switch partType {
			case "text":
				if text, ok := asStringField(part, "text"); ok {
					if cleaned, ok := cleanCandidateText(text); ok {
						textParts = append(textParts, cleaned)
					}
				}
			case "toolUse", "toolCall":
				name, ok := asStringField(part, "name")
				if !ok {
					continue
				}
				hasTool = true
				toolName = name
				if highPriorityTools[name] {
					priority = PriorityHigh
				}

				input, _ := part["input"].(map[string]interface{})
				if input == nil {
					input, _ = part["arguments"].(map[string]interface{})
				}
				if input != nil {
					if cmd, ok := asStringField(input, "command"); ok {
						toolTarget = cmd
					} else if p, ok := asStringField(input, "path"); ok {
						toolTarget = p
					} else if f, ok := asStringField(input, "file"); ok {
						toolTarget = f
					} else if dump, err := json.Marshal(input); err == nil {
						toolTarget = truncateWithEllipsis(string(dump), maxToolTargetChars)
					}

					signals := make(map[string]bool)
					collectToolInputSignals(input, signals, 0)
					for _, s := range sortedSignals(signals) {
						textParts = append(textParts, "[tool-input] "+s)
					}
				}
			}
		}
	}

	if len(textParts) == 0 && !hasTool {
		return Entry{}, false
	}

	entryRole := Role(role)
	if role == "toolResult" {
		entryRole = RoleToolResult
	}

	return Entry{
		Role:       entryRole,
		Content:    strings.Join(textParts, "\n"),
		ToolName:   toolName,
		ToolTarget: toolTarget,
		Priority:   priority,
	}, true
}

func isNoReplyMarker(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "no_reply")
}

func isPollHeartbeatNoise(text string) bool {
	return strings.Contains(text, `"action":"poll"`) || strings.Contains(text, "Command still running")
}

var statusEchoPattern = regexp.MustCompile(`(?i)^\[?watcher\]?\s*(status|heartbeat)\b`)

func isStatusEchoNoise(text string) bool {
	return statusEchoPattern.MatchString(strings.TrimSpace(text))
}

func isProjectionNoiseEntry(e Entry) bool {
	if e.Content == "" {
		return false
	}
	return isNoReplyMarker(e.Content) || isPollHeartbeatNoise(e.Content) || isStatusEchoNoise(e.Content)
}

// pairToolResults attaches the next toolResult entry (if any) as the
// coupled result of the preceding assistant tool-use entry.
func pairToolResults(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if e.Role == RoleAssistant && e.ToolName != "" && i+1 < len(entries) && entries[i+1].Role == RoleToolResult {
			e.CoupledResult = entries[i+1].Content
			out = append(out, e)
			i++
			continue
		}
		out = append(out, e)
	}
	return out
}

// ParseJSONLArchive stream-parses a JSONL session archive into
// ProjectionData, applying the §4.7 caps (16 MiB / 200k lines / 2k
// extracted candidates) and the noise filter.
func ParseJSONLArchive(path string) (ProjectionData, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProjectionData{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxArchiveScanBytes)

	var data ProjectionData
	var rawEntries []Entry
	lines := 0
	bytesRead := 0

	for scanner.Scan() {
		lines++
		line := scanner.Bytes()
		bytesRead += len(line)
		if lines > maxArchiveScanLines || bytesRead > maxArchiveScanBytes || len(rawEntries) >= maxArchiveCandidates {
			data.Truncated = true
			break
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			continue
		}
		entry, ok := extractMessageEntry(decoded)
		if !ok {
			continue
		}
		data.MessageCount++
		if isProjectionNoiseEntry(entry) {
			data.FilteredNoiseCount++
			continue
		}
		rawEntries = append(rawEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return ProjectionData{}, fmt.Errorf("scan %s: %w", path, err)
	}

	data.Entries = pairToolResults(rawEntries)
	return data, nil
}

var (
	userQueriesHeading      = regexp.MustCompile(`(?m)^###\s+User Queries\s*$`)
	assistantRespHeading    = regexp.MustCompile(`(?m)^###\s+Assistant Responses\s*$`)
	toolActivityHeading     = regexp.MustCompile(`(?m)^##\s+Tool Activity\s*$`)
	bulletLine              = regexp.MustCompile(`(?m)^[-*]\s+(.*)$`)
	frontmatterMessageCount = regexp.MustCompile(`(?m)^message_count:\s*(\d+)\s*$`)
	frontmatterNoiseCount   = regexp.MustCompile(`(?m)^filtered_noise_count:\s*(\d+)\s*$`)
)

func sectionBody(raw string, start *regexp.Regexp, ends []*regexp.Regexp) string {
	loc := start.FindStringIndex(raw)
	if loc == nil {
		return ""
	}
	body := raw[loc[1]:]
	cut := len(body)
	for _, end := range ends {
		if eloc := end.FindStringIndex(body); eloc != nil && eloc[0] < cut {
			cut = eloc[0]
		}
	}
	return body[:cut]
}

// ParseMarkdownProjection reconstructs conversation entries and tool lines
// from an already-produced markdown projection, preserving the
// message_count/filtered_noise_count frontmatter when present.
func ParseMarkdownProjection(path string) (ProjectionData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ProjectionData{}, fmt.Errorf("read %s: %w", path, err)
	}
	text := string(raw)

	var data ProjectionData
	if m := frontmatterMessageCount.FindStringSubmatch(text); m != nil {
		data.MessageCount, _ = strconv.Atoi(m[1])
	}
	if m := frontmatterNoiseCount.FindStringSubmatch(text); m != nil {
		data.FilteredNoiseCount, _ = strconv.Atoi(m[1])
	}

	ends := []*regexp.Regexp{userQueriesHeading, assistantRespHeading, toolActivityHeading}

	userBody := sectionBody(text, userQueriesHeading, ends)
	for _, m := range bulletLine.FindAllStringSubmatch(userBody, -1) {
		if cleaned, ok := cleanCandidateText(m[1]); ok {
			data.Entries = append(data.Entries, Entry{Role: RoleUser, Content: cleaned})
		}
	}

	assistantBody := sectionBody(text, assistantRespHeading, ends)
	for _, m := range bulletLine.FindAllStringSubmatch(assistantBody, -1) {
		if cleaned, ok := cleanCandidateText(m[1]); ok {
			data.Entries = append(data.Entries, Entry{Role: RoleAssistant, Content: cleaned})
		}
	}

	toolBody := sectionBody(text, toolActivityHeading, ends)
	for _, m := range bulletLine.FindAllStringSubmatch(toolBody, -1) {
		if cleaned, ok := cleanCandidateText(m[1]); ok {
			data.Entries = append(data.Entries, Entry{Role: RoleToolResult, Content: cleaned})
		}
	}

	if data.MessageCount == 0 {
		data.MessageCount = len(data.Entries)
	}
	return data, nil
}

var blockerPattern = regexp.MustCompile(`(?i)\b(error|failed|retry|timeout|blocked|denied)\b`)

// BuildExecutionSummary derives the Goal/Key-actions/Outcome/blocker
// synopsis from a ProjectionData's entries.
func BuildExecutionSummary(data ProjectionData) ExecutionSummary {
	var summary ExecutionSummary

	for _, e := range data.Entries {
		if e.Role == RoleUser && e.Content != "" {
			summary.Goal = truncateWithEllipsis(e.Content, maxExecutionLineChars)
			break
		}
	}

	seenActions := make(map[string]bool)
	for _, e := range data.Entries {
		if e.ToolName == "" {
			continue
		}
		line := fmt.Sprintf("used `%s` on %s", e.ToolName, orNA(e.ToolTarget))
		if seenActions[line] {
			continue
		}
		seenActions[line] = true
		summary.KeyActions = append(summary.KeyActions, line)
		if len(summary.KeyActions) >= maxKeyActions {
			break
		}
	}

	for i := len(data.Entries) - 1; i >= 0; i-- {
		e := data.Entries[i]
		if e.Role == RoleAssistant && e.Content != "" {
			summary.Outcome = truncateWithEllipsis(e.Content, maxExecutionLineChars)
			break
		}
	}

	for _, e := range data.Entries {
		if blockerPattern.MatchString(e.Content) || blockerPattern.MatchString(e.ToolTarget) {
			summary.NotableBlocker = truncateWithEllipsis(e.Content, maxExecutionLineChars)
			break
		}
	}

	return summary
}

func orNA(s string) string {
	if s == "" {
		return "na"
	}
	return s
}

// ComposeSessionBlock renders the upsertable session block: header,
// alternating conversation turns, and the execution summary.
func ComposeSessionBlock(sessionID, sourcePath string, data ProjectionData, summary ExecutionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s -->\n", sessionBlockBeginPrefix, sessionID)
	fmt.Fprintf(&b, "## Session %s\n\n", sessionID)
	fmt.Fprintf(&b, "- Source: `%s`\n", sourcePath)
	fmt.Fprintf(&b, "- Messages: %d (filtered %d)\n\n", data.MessageCount, data.FilteredNoiseCount)

	b.WriteString("### Conversation\n\n")
	for _, e := range data.Entries {
		switch e.Role {
		case RoleUser:
			fmt.Fprintf(&b, "**User:** %s\n\n", e.Content)
		case RoleAssistant:
			fmt.Fprintf(&b, "**Assistant:** %s\n\n", e.Content)
			if e.ToolName != "" {
				fmt.Fprintf(&b, "  - used `%s` on %s\n\n", e.ToolName, orNA(e.ToolTarget))
			}
			if e.CoupledResult != "" {
				fmt.Fprintf(&b, "  - result: %s\n\n", e.CoupledResult)
			}
		}
	}

	b.WriteString("### Execution Summary\n\n")
	fmt.Fprintf(&b, "- Goal: %s\n", orNA(summary.Goal))
	if len(summary.KeyActions) > 0 {
		b.WriteString("- Key actions:\n")
		for _, a := range summary.KeyActions {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	fmt.Fprintf(&b, "- Outcome: %s\n", orNA(summary.Outcome))
	if summary.NotableBlocker != "" {
		fmt.Fprintf(&b, "- Notable blocker/retry: %s\n", summary.NotableBlocker)
	}
	fmt.Fprintf(&b, "\n%s%s -->\n", sessionBlockEndPrefix, sessionID)
	return b.String()
}

// DailyMemoryPath resolves the daily-memory file for an archive's creation
// epoch, converted to the local date.
func DailyMemoryPath(p *paths.Paths, archiveEpochSecs int64) string {
	date := time.Unix(archiveEpochSecs, 0).Local().Format("2006-01-02")
	return p.DailyMemoryFile(date)
}

func ensureDailyMemoryHeader(existing, dateLabel string) string {
	if strings.TrimSpace(existing) != "" {
		return existing
	}
	return fmt.Sprintf("# Daily Memory %s\n%s\n\n", dateLabel, dailyMemoryFormatMarker)
}

// upsertMarkedBlock replaces any existing `beginPrefix<id>...endPrefix<id>`
// block in existing with block, or appends block when none is found.
func upsertMarkedBlock(existing, sessionID, block string) string {
	begin := sessionBlockBeginPrefix + sessionID
	end := sessionBlockEndPrefix + sessionID

	startIdx := strings.Index(existing, begin)
	if startIdx < 0 {
		if existing != "" && !strings.HasSuffix(existing, "\n\n") {
			existing = strings.TrimRight(existing, "\n") + "\n\n"
		}
		return existing + block + "\n"
	}

	endMarkerIdx := strings.Index(existing[startIdx:], end)
	if endMarkerIdx < 0 {
		return existing + block + "\n"
	}
	endLineEnd := strings.Index(existing[startIdx+endMarkerIdx:], "\n")
	var tailStart int
	if endLineEnd < 0 {
		tailStart = len(existing)
	} else {
		tailStart = startIdx + endMarkerIdx + endLineEnd + 1
	}
	return existing[:startIdx] + block + "\n" + existing[tailStart:]
}

func atomicWriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + fmt.Sprintf(".%d.tmp", os.Getpid())
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// NormalizeInput is the request to run one L1 normalisation pass.
type NormalizeInput struct {
	SourcePath       string
	SessionID        string
	ArchiveEpochSecs int64
}

// Normalize runs L1 normalisation (`norm`): parses the source (JSONL or
// markdown projection by extension), builds the session block, and
// upserts it into the session's local-date daily memory file. Returns the
// composed session block, so callers (the Watcher's continuity hand-off)
// can extract key decisions from it without re-parsing the source.
func Normalize(p *paths.Paths, in NormalizeInput) (string, error) {
	lockPath := filepath.Join(p.LogsDir, "l1-normalisation.lock")
	handle, ok, err := lock.TryAcquire(lockPath)
	if err != nil {
		return "", fmt.Errorf("acquire l1-normalisation lock: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("l1 normalisation already in progress")
	}
	defer handle.Close()

	var data ProjectionData
	if strings.EqualFold(filepath.Ext(in.SourcePath), ".jsonl") {
		data, err = ParseJSONLArchive(in.SourcePath)
	} else {
		data, err = ParseMarkdownProjection(in.SourcePath)
	}
	if err != nil {
		return "", err
	}

	summary := BuildExecutionSummary(data)
	block := ComposeSessionBlock(in.SessionID, in.SourcePath, data, summary)

	dailyPath := DailyMemoryPath(p, in.ArchiveEpochSecs)
	existing := ""
	if raw, err := os.ReadFile(dailyPath); err == nil {
		existing = string(raw)
	}
	dateLabel := time.Unix(in.ArchiveEpochSecs, 0).Local().Format("2006-01-02")
	existing = ensureDailyMemoryHeader(existing, dateLabel)
	updated := upsertMarkedBlock(existing, in.SessionID, block)

	if err := atomicWriteFile(dailyPath, updated); err != nil {
		return "", fmt.Errorf("write daily memory %s: %w", dailyPath, err)
	}

	if err := audit.AppendEvent(p.LogsDir, "distill", "ok", fmt.Sprintf("l1_normalised %s into %s", in.SourcePath, dailyPath)); err != nil {
		logging.Get(logging.CategoryDistill).Error("failed to append audit event for %s: %v", in.SourcePath, err)
	}
	return block, nil
}
