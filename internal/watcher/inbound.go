package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"

	"moonmem/internal/config"
	"moonmem/internal/host"
	"moonmem/internal/logging"
	"moonmem/internal/state"
)

// InboundWatchOutcome is the per-cycle result of the inbound-watch step
// (§4.8 step 2): how many new/changed files were found, how many host
// events fired successfully, and how many failed.
type InboundWatchOutcome struct {
	DetectedFiles   int
	TriggeredEvents int
	FailedEvents    int
	WatchedPaths    []string
}

// inboundWatcher owns an fsnotify.Watcher across the daemon's lifetime so it
// can catch changes that land between polls; a full mtime-based directory
// scan on every cycle is the primary detection path, since fsnotify only
// reports events after Add and wouldn't otherwise see drift across daemon
// restarts or a single `moon-watch --once` invocation.
type inboundWatcher struct {
	fsw   *fsnotify.Watcher
	added map[string]bool
}

func newInboundWatcher() (*inboundWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbound fsnotify watcher: %w", err)
	}
	return &inboundWatcher{fsw: fsw, added: map[string]bool{}}, nil
}

func (w *inboundWatcher) Close() error {
	return w.fsw.Close()
}

func fingerprint(info fs.FileInfo) string {
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

// runInboundWatch enumerates cfg.Watcher.InboundWatchPaths, diffs each file's
// fingerprint against st.InboundSeenFiles, and emits a host system event for
// every new or changed file. Drains any fsnotify events accumulated since
// the watcher was created (daemon mode) to fold in changes the scan's
// point-in-time snapshot could otherwise miss on a following cycle.
func (w *inboundWatcher) runInboundWatch(ctx context.Context, cfg *config.Config, st *state.State, h *host.Bridge) (InboundWatchOutcome, error) {
	out := InboundWatchOutcome{}
	if !cfg.Watcher.InboundWatchOn || len(cfg.Watcher.InboundWatchPaths) == 0 {
		return out, nil
	}

	sortedPaths := append([]string(nil), cfg.Watcher.InboundWatchPaths...)
	sort.Strings(sortedPaths)
	out.WatchedPaths = sortedPaths

	changed := map[string]bool{}

	for _, dir := range sortedPaths {
		if !w.added[dir] {
			if err := w.fsw.Add(dir); err == nil {
				w.added[dir] = true
			}
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			fp := fingerprint(info)
			if st.InboundSeenFiles[path] != fp {
				changed[path] = true
				st.InboundSeenFiles[path] = fp
			}
			return nil
		})
		if err != nil {
			logging.Get(logging.CategoryWatcher).Warn("inbound scan failed for %s: %v", dir, err)
		}
	}

	drainPending(w.fsw, func(name string) {
		changed[name] = true
	})

	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out.DetectedFiles = len(paths)
	for _, p := range paths {
		if h == nil {
			out.FailedEvents++
			continue
		}
		if err := h.SystemEvent(ctx, "inbound file changed: "+p); err != nil {
			out.FailedEvents++
			continue
		}
		out.TriggeredEvents++
	}

	return out, nil
}

// drainPending reads every event already queued on w's Events channel
// without blocking, so a daemon cycle picks up what fsnotify saw between
// polls without waiting on it.
func drainPending(w *fsnotify.Watcher, record func(name string)) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				record(ev.Name)
			}
		case <-w.Errors:
		default:
			return
		}
	}
}
