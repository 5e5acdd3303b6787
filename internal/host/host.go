// Package host bridges to the external host CLI ("openclaw"): session
// listing/lookup, gateway chat/compaction calls, system events, plugin
// install, gateway lifecycle, and doctor — all routed through
// internal/executil, mirroring internal/indexer's bridge shape.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"moonmem/internal/executil"
)

// Bridge wraps the resolved host binary path (OPENCLAW_BIN).
type Bridge struct {
	Bin string
}

func New(bin string) *Bridge {
	return &Bridge{Bin: bin}
}

// SessionsJSON runs `sessions --json` and returns the raw payload, the same
// call internal/usage parses for token counts; internal/host re-parses it
// for source-path lookup by session key.
func (b *Bridge) SessionsJSON(ctx context.Context) (string, error) {
	res, err := executil.Run(ctx, executil.ShortTimeout, b.Bin, "sessions", "--json")
	if err != nil {
		return "", fmt.Errorf("sessions --json: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sessions --json failed: %s", res.Stderr)
	}
	return res.Stdout, nil
}

var sessionPathFields = []string{"sourcePath", "path", "file", "archivePath"}

// LocateSource searches a `sessions --json` payload for the entry whose
// key/sessionId/id matches sessionKey and returns its source path, trying
// each candidate field in turn (§4.8 step 6: "locate its source via the
// host's sessions map").
func LocateSource(sessionsJSON, sessionKey string) (string, bool) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(sessionsJSON), &parsed); err != nil {
		return "", false
	}
	rawSessions, ok := parsed["sessions"].([]interface{})
	if !ok {
		return "", false
	}
	for _, raw := range rawSessions {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if !matchesKey(entry, sessionKey) {
			continue
		}
		for _, field := range sessionPathFields {
			if s, ok := entry[field].(string); ok && s != "" {
				return s, true
			}
		}
		return "", false
	}
	return "", false
}

func matchesKey(entry map[string]interface{}, sessionKey string) bool {
	for _, field := range []string{"key", "sessionId", "id"} {
		if s, ok := entry[field].(string); ok && s == sessionKey {
			return true
		}
	}
	return false
}

// RequestCompaction calls `gateway call chat.send <key>`, the host's
// compaction trigger for a channel session (§4.8 step 6).
func (b *Bridge) RequestCompaction(ctx context.Context, sessionKey string) error {
	res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, "gateway", "call", "chat.send", sessionKey)
	if err != nil {
		return fmt.Errorf("gateway call chat.send %s: %w", sessionKey, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("gateway call chat.send %s failed: %s", sessionKey, res.Stderr)
	}
	return nil
}

// SystemEvent calls `system event --text <text>`, used for host-visible
// alerts (e.g. the high-token-usage warning).
func (b *Bridge) SystemEvent(ctx context.Context, text string) error {
	res, err := executil.Run(ctx, executil.ShortTimeout, b.Bin, "system", "event", "--text", text)
	if err != nil {
		return fmt.Errorf("system event: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("system event failed: %s", res.Stderr)
	}
	return nil
}

// PluginsInstall calls `plugins install <path>`, used by the installer
// boundary (internal/host/install).
func (b *Bridge) PluginsInstall(ctx context.Context, path string) error {
	res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, "plugins", "install", path)
	if err != nil {
		return fmt.Errorf("plugins install %s: %w", path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("plugins install %s failed: %s", path, res.Stderr)
	}
	return nil
}

// PluginsList calls `plugins list --json`, retrying once on failure per §7.
func (b *Bridge) PluginsList(ctx context.Context) (string, error) {
	res, err := executil.Run(ctx, executil.ShortTimeout, b.Bin, "plugins", "list", "--json")
	if err == nil && res.ExitCode == 0 {
		return res.Stdout, nil
	}
	res, err = executil.Run(ctx, executil.ShortTimeout, b.Bin, "plugins", "list", "--json")
	if err != nil {
		return "", fmt.Errorf("plugins list --json: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("plugins list --json failed: %s", res.Stderr)
	}
	return res.Stdout, nil
}

// Doctor calls `doctor [--non-interactive]`, retrying once on failure.
func (b *Bridge) Doctor(ctx context.Context, nonInteractive bool) (string, error) {
	args := []string{"doctor"}
	if nonInteractive {
		args = append(args, "--non-interactive")
	}
	res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, args...)
	if err == nil && res.ExitCode == 0 {
		return res.Stdout, nil
	}
	res, err = executil.Run(ctx, executil.DefaultTimeout, b.Bin, args...)
	if err != nil {
		return "", fmt.Errorf("doctor: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("doctor failed: %s", res.Stderr)
	}
	return res.Stdout, nil
}

// GatewayAction identifies which lifecycle verb RunGateway issues.
type GatewayAction string

const (
	GatewayRestart GatewayAction = "restart"
	GatewayStart   GatewayAction = "start"
	GatewayStop    GatewayAction = "stop"
)

// RunGateway calls `gateway <action>`, retrying up to maxAttempts times with
// an attempt-indexed 250ms×n backoff between attempts (§7).
func (b *Bridge) RunGateway(ctx context.Context, action GatewayAction, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, "gateway", string(action))
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		if err != nil {
			lastErr = fmt.Errorf("gateway %s: %w", action, err)
		} else {
			lastErr = fmt.Errorf("gateway %s failed: %s", action, res.Stderr)
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
	}
	return lastErr
}
