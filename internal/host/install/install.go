// Package install fixes the boundary interfaces for the installer/verify
// commands (§4.9). Per spec.md's own Non-goals, the installer/verify
// surface is an external collaborator with a narrow contract — this package
// defines that contract and a minimal concrete implementation, not a full
// host-plugin installer.
package install

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"moonmem/internal/host"
)

// Options configures one install or verify run.
type Options struct {
	ExtensionsDir string
	ConfigPath    string
	BundlePath    string
	Force         bool
}

// Report mirrors the shape cmd/moonmem's CommandReport wraps the result in.
type Report struct {
	OK      bool
	Details []string
	Issues  []string
}

// Installer writes the extension bundle, patches host config, and (on a
// supported OS) registers autostart.
type Installer interface {
	Install(ctx context.Context, opts Options) (Report, error)
}

// Verifier re-reads host config and cross-checks installed plugins.
type Verifier interface {
	Verify(ctx context.Context, opts Options, strict bool) (Report, error)
}

// defaultConfigKeys are inserted into the host's JSON config when absent.
var defaultConfigKeys = map[string]interface{}{
	"moonmem_enabled": true,
	"moonmem_version": 1,
}

// Bridge is the concrete Installer/Verifier, backed by the host CLI bridge
// for the plugin-list cross-check Verify performs.
type Bridge struct {
	Host *host.Bridge
}

func New(h *host.Bridge) *Bridge {
	return &Bridge{Host: h}
}

// Install copies opts.BundlePath into opts.ExtensionsDir and merges the
// default config keys into opts.ConfigPath, force-overwriting existing keys
// only when opts.Force is set. Autostart registration is left to the one
// supported OS's init system, which is out of this module's scope per §4.9.
func (b *Bridge) Install(ctx context.Context, opts Options) (Report, error) {
	var report Report
	report.OK = true

	if opts.BundlePath != "" {
		if err := copyBundle(opts.BundlePath, opts.ExtensionsDir); err != nil {
			report.OK = false
			report.Issues = append(report.Issues, fmt.Sprintf("copy extension bundle: %v", err))
		} else {
			report.Details = append(report.Details, fmt.Sprintf("installed extension bundle to %s", opts.ExtensionsDir))
		}
	}

	if err := patchConfig(opts.ConfigPath, opts.Force); err != nil {
		report.OK = false
		report.Issues = append(report.Issues, fmt.Sprintf("patch host config: %v", err))
	} else {
		report.Details = append(report.Details, fmt.Sprintf("patched host config at %s", opts.ConfigPath))
	}

	return report, nil
}

// Verify re-reads the host config for the expected default keys and asks
// the host runtime to list plugins, surfacing any mismatch.
func (b *Bridge) Verify(ctx context.Context, opts Options, strict bool) (Report, error) {
	var report Report
	report.OK = true

	cfg, err := readConfig(opts.ConfigPath)
	if err != nil {
		report.OK = false
		report.Issues = append(report.Issues, fmt.Sprintf("read host config: %v", err))
		return report, nil
	}
	for key, want := range defaultConfigKeys {
		got, present := cfg[key]
		if !present {
			report.OK = false
			report.Issues = append(report.Issues, fmt.Sprintf("host config missing key %q", key))
			continue
		}
		if strict && fmt.Sprint(got) != fmt.Sprint(want) {
			report.OK = false
			report.Issues = append(report.Issues, fmt.Sprintf("host config key %q = %v, want %v", key, got, want))
		}
	}

	if b.Host != nil {
		if _, err := b.Host.PluginsList(ctx); err != nil {
			report.OK = false
			report.Issues = append(report.Issues, fmt.Sprintf("plugins list: %v", err))
		} else {
			report.Details = append(report.Details, "plugins list reachable")
		}
	}

	return report, nil
}

func copyBundle(bundlePath, extensionsDir string) error {
	if err := os.MkdirAll(extensionsDir, 0o755); err != nil {
		return fmt.Errorf("create extensions dir: %w", err)
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	dest := filepath.Join(extensionsDir, filepath.Base(bundlePath))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

func readConfig(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse host config: %w", err)
	}
	return cfg, nil
}

func patchConfig(path string, force bool) error {
	cfg, err := readConfig(path)
	if err != nil {
		return err
	}
	for key, val := range defaultConfigKeys {
		if _, present := cfg[key]; !present || force {
			cfg[key] = val
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal host config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), os.Getpid()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}
