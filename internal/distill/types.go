// Package distill implements L1 normalisation (raw session archive/projection
// -> daily memory block) and L2 synthesis (daily memory + MEMORY.md -> a
// fresh MEMORY.md) described in §4.7.
package distill

// Role is the speaker of one normalised conversation entry.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// Priority marks an entry as worth surfacing ahead of routine chatter.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// highPriorityTools triggers PriorityHigh when a tool-use names one of these.
var highPriorityTools = map[string]bool{
	"write_to_file": true,
	"exec":          true,
	"edit":          true,
	"gateway":       true,
}

// Entry is one normalised conversation turn or tool line.
type Entry struct {
	Role           Role
	Content        string
	ToolName       string
	ToolTarget     string
	Priority       Priority
	CoupledResult  string
	TimestampEpoch int64
}

// ProjectionData is the full set of normalised entries extracted from one
// session source, plus the bookkeeping the execution summary and the
// session-block header need.
type ProjectionData struct {
	Entries            []Entry
	MessageCount       int
	FilteredNoiseCount int
	Truncated          bool
}

// ExecutionSummary is the four-line synopsis appended to every session
// block: Goal, up to four Key actions, Outcome, and an optional blocker.
type ExecutionSummary struct {
	Goal           string
	KeyActions     []string
	Outcome        string
	NotableBlocker string
}

const (
	maxCandidateChars  = 512
	maxArchiveScanBytes = 16 * 1024 * 1024
	maxArchiveScanLines = 200_000
	maxArchiveCandidates = 2_000
	maxToolTargetChars  = 64
	maxExecutionLineChars = 220
	maxKeyActions       = 4
)

const dailyMemoryFormatMarker = "<!-- moon_memory_format: conversation_v1 -->"

const (
	sessionBlockBeginPrefix = "<!-- MOON_SESSION_BEGIN:"
	sessionBlockEndPrefix   = "<!-- MOON_SESSION_END:"
)
