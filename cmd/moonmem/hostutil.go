package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"moonmem/internal/paths"
)

// hostCallTimeout bounds every direct host-bridge call issued from the CLI
// (outside the watcher daemon's own cycle budget).
const hostCallTimeout = 30 * time.Second

// resolveHostBin mirrors internal/watcher's own lookup so every command that
// shells out to the agent host resolves the same binary the daemon does.
func resolveHostBin() string {
	if v := os.Getenv("OPENCLAW_BIN"); v != "" {
		return v
	}
	return "openclaw"
}

// hostExtensionsDir and hostConfigPath locate the two install/verify targets:
// the MOON_HOST_* environment override when set, otherwise a path under
// moon_home.
func hostExtensionsDir(p *paths.Paths) string {
	if v := os.Getenv("MOON_HOST_EXTENSIONS_DIR"); v != "" {
		return v
	}
	return filepath.Join(p.MoonHome, "host_extensions")
}

func hostConfigPath(p *paths.Paths) string {
	if v := os.Getenv("MOON_HOST_CONFIG_PATH"); v != "" {
		return v
	}
	return filepath.Join(p.MoonHome, "host_config.json")
}

// latestSessionFileFor picks the newest-mtime file directly under dir,
// mirroring the watcher's own source-selection rule for commands that run
// outside a watch cycle.
func latestSessionFileFor(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read sessions dir %s: %w", dir, err)
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no source session file found in %s", dir)
	}
	return best, nil
}
