// Package paths resolves the filesystem layout rooted at moon_home, with
// per-path environment overrides, mirroring the layout fixed in the
// external interfaces contract.
package paths

import (
	"os"
	"path/filepath"
)

// Paths holds every resolved location the engine reads or writes.
type Paths struct {
	MoonHome string

	ArchivesDir string
	RawDir      string
	MlibDir     string
	LedgerFile  string

	MemoryDir       string
	LongTermMemory  string
	ContinuityDir   string
	ChannelMapFile  string

	StateDir  string
	StateFile string

	LogsDir         string
	AuditLogFile    string
	DistillAuditLog string

	ConfigPath string

	IndexerBin string
	IndexerDB  string

	HostSessionsDir string
}

// Resolve builds Paths from the environment, following the override table in
// the external interfaces contract: each derived path can be pinned
// individually, but all of them default to a location under MoonHome.
func Resolve() (*Paths, error) {
	home, err := resolveMoonHome()
	if err != nil {
		return nil, err
	}

	archivesDir := envOr("MOON_ARCHIVES_DIR", filepath.Join(home, "archives"))
	memoryDir := envOr("MOON_MEMORY_DIR", filepath.Join(home, "memory"))
	stateDir := envOr("MOON_STATE_DIR", filepath.Join(home, "state"))
	logsDir := envOr("MOON_LOGS_DIR", filepath.Join(home, "logs"))

	p := &Paths{
		MoonHome: home,

		ArchivesDir: archivesDir,
		RawDir:      filepath.Join(archivesDir, "raw"),
		MlibDir:     filepath.Join(archivesDir, "mlib"),
		LedgerFile:  filepath.Join(archivesDir, "ledger.jsonl"),

		MemoryDir:      memoryDir,
		LongTermMemory: envOr("MOON_MEMORY_FILE", filepath.Join(home, "MEMORY.md")),
		ContinuityDir:  filepath.Join(home, "continuity"),
		ChannelMapFile: filepath.Join(home, "continuity", "channel_archive_map.json"),

		StateDir:  stateDir,
		StateFile: envOr("MOON_STATE_FILE", filepath.Join(stateDir, "moon_state.json")),

		LogsDir:         logsDir,
		AuditLogFile:    filepath.Join(logsDir, "audit.log"),
		DistillAuditLog: filepath.Join(logsDir, "distill.audit.log"),

		ConfigPath: envOr("MOON_CONFIG_PATH", filepath.Join(home, "config.toml")),

		IndexerBin: envOr("QMD_BIN", "qmd"),
		IndexerDB:  filepath.Join(home, "index.db"),

		HostSessionsDir: envOr("OPENCLAW_SESSIONS_DIR", filepath.Join(home, "sessions")),
	}

	return p, nil
}

func resolveMoonHome() (string, error) {
	if v, ok := os.LookupEnv("MOON_HOME"); ok && v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnsureDirs creates every directory the engine writes into.
func (p *Paths) EnsureDirs() error {
	dirs := []string{p.ArchivesDir, p.RawDir, p.MlibDir, p.MemoryDir, p.ContinuityDir, p.StateDir, p.LogsDir}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DailyMemoryFile returns the path to the memory file for a given local date
// (YYYY-MM-DD) under MemoryDir.
func (p *Paths) DailyMemoryFile(dateStr string) string {
	return filepath.Join(p.MemoryDir, dateStr+".md")
}

// Lock paths, fixed names under LogsDir per the concurrency contract.
func (p *Paths) DaemonLockFile() string  { return filepath.Join(p.LogsDir, "moon-watch.daemon.lock") }
func (p *Paths) EmbedLockFile() string   { return filepath.Join(p.LogsDir, "moon-embed.lock") }
func (p *Paths) L1LockFile() string      { return filepath.Join(p.LogsDir, "l1-normalisation.lock") }
func (p *Paths) MemoryLockFile() string  { return filepath.Join(p.LogsDir, "memory.md.lock") }
