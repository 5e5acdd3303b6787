// Package embed drives the embed worker (§4.6): it walks archives/mlib for
// markdown projections pending embedding, gates and locks the run, calls the
// indexer bridge's bounded embed with halving backoff, and updates the
// engine state's embedded_projections map.
package embed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"moonmem/internal/audit"
	"moonmem/internal/executil"
	"moonmem/internal/indexer"
	"moonmem/internal/lock"
	"moonmem/internal/logging"
	"moonmem/internal/paths"
	"moonmem/internal/state"
)

// CallerMode distinguishes a human-invoked run from a daemon cycle, which
// changes every gating and error-vs-degrade decision in this package.
type CallerMode int

const (
	Manual CallerMode = iota
	Watcher
)

func (m CallerMode) String() string {
	if m == Manual {
		return "manual"
	}
	return "watcher"
}

// lockMaxAge is the staleness threshold from §4.6 step 6: a lock held by a
// live pid younger than this blocks; anything older is considered abandoned.
const lockMaxAge = 6 * time.Hour

// ErrLocked is returned to Manual callers when moon-embed.lock is held by a
// live, non-stale owner.
var ErrLocked = errors.New("embed worker already running")

// Input configures one embed cycle.
type Input struct {
	Collection     string
	MaxDocs        int
	DryRun         bool
	Mode           CallerMode
	Timeout        time.Duration
	CooldownSecs   uint64
	MinPendingDocs int
}

// Result reports what a cycle did or why it stopped short, mirroring §4.6's
// return shape.
type Result struct {
	PendingBefore int
	PendingAfter  int
	Selected      []string
	NAttempted    int
	Degraded      bool
	SkipReason    string
	ElapsedMillis int64
}

type doc struct {
	path  string
	mtime int64
}

// Run executes one embed cycle against the given paths and persisted state.
// st is mutated in place and saved to p.StateFile after the bounded embed
// step; the cooldown, min-pending, dry-run, capability and lock early returns
// do not save it.
func Run(ctx context.Context, p *paths.Paths, st *state.State, in Input) (Result, error) {
	start := time.Now()
	log := logging.Get(logging.CategoryEmbed)

	docs, err := enumerateDocs(p.MlibDir)
	if err != nil {
		return Result{}, fmt.Errorf("enumerate mlib docs: %w", err)
	}

	pending := pendingDocs(docs, st.EmbeddedProjections)
	pendingBefore := len(pending)

	if in.Mode == Watcher {
		now := time.Now().Unix()
		cooldownReady := now-st.LastEmbedTriggerEpochSecs >= int64(in.CooldownSecs)
		if !cooldownReady {
			return Result{PendingBefore: pendingBefore, SkipReason: "cooldown", ElapsedMillis: elapsedMillis(start)}, nil
		}
		if pendingBefore < in.MinPendingDocs {
			return Result{PendingBefore: pendingBefore, ElapsedMillis: elapsedMillis(start)}, nil
		}
	}

	n := in.MaxDocs
	if pendingBefore < n {
		n = pendingBefore
	}
	selected := pending[:n]
	selectedPaths := make([]string, len(selected))
	for i, d := range selected {
		selectedPaths[i] = d.path
	}

	if in.DryRun {
		return Result{
			PendingBefore: pendingBefore,
			Selected:      selectedPaths,
			ElapsedMillis: elapsedMillis(start),
		}, nil
	}
	st.LastEmbedTriggerEpochSecs = time.Now().Unix()

	bridge := indexer.New(p.IndexerBin)
	switch bridge.ProbeEmbedCapability(ctx) {
	case indexer.Bounded:
	case indexer.UnboundedOnly, indexer.Missing:
		if in.Mode == Manual {
			return Result{PendingBefore: pendingBefore}, indexer.ErrCapabilityMissing
		}
		return Result{
			PendingBefore: pendingBefore,
			Degraded:      true,
			SkipReason:    "capability-missing",
			ElapsedMillis: elapsedMillis(start),
		}, nil
	}

	lockPath := p.EmbedLockFile()
	held, acquired, err := acquireEmbedLock(lockPath)
	if err != nil {
		return Result{PendingBefore: pendingBefore}, fmt.Errorf("acquire embed lock: %w", err)
	}
	if !acquired {
		if in.Mode == Manual {
			return Result{PendingBefore: pendingBefore}, ErrLocked
		}
		return Result{
			PendingBefore: pendingBefore,
			Degraded:      true,
			SkipReason:    "locked",
			ElapsedMillis: elapsedMillis(start),
		}, nil
	}
	defer held.Close()

	payload := lock.Payload{
		PID:        os.Getpid(),
		StartedAt:  time.Now().Unix(),
		Mode:       in.Mode.String(),
		Collection: in.Collection,
	}
	if err := lock.WritePayload(lockPath, payload); err != nil {
		return Result{PendingBefore: pendingBefore}, fmt.Errorf("write embed lock payload: %w", err)
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	nAttempted := n
	for {
		_, err := bridge.BoundedEmbed(ctx, in.Collection, nAttempted, timeout)
		if err != nil {
			if errors.Is(err, indexer.ErrStatusFailed) {
				return Result{PendingBefore: pendingBefore, NAttempted: nAttempted}, fmt.Errorf("embed status failed: %w", err)
			}
			if errors.Is(err, executil.ErrTimeout) {
				if in.Mode == Watcher && nAttempted > 1 {
					nAttempted = nAttempted / 2
					log.Warn("embed command timed out, halving batch to %d and retrying", nAttempted)
					continue
				}
				return Result{PendingBefore: pendingBefore, NAttempted: nAttempted}, fmt.Errorf("embed timed out: %w", err)
			}
			return Result{PendingBefore: pendingBefore, NAttempted: nAttempted}, fmt.Errorf("bounded embed: %w", err)
		}
		break
	}

	nowEpoch := time.Now().Unix()
	for i := 0; i < nAttempted && i < len(selected); i++ {
		d := selected[i]
		mark := nowEpoch
		if d.mtime > mark {
			mark = d.mtime
		}
		st.EmbeddedProjections[d.path] = mark
	}

	st.PruneMissing(func(path string) bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	})

	if err := st.Save(p.StateFile); err != nil {
		return Result{PendingBefore: pendingBefore, NAttempted: nAttempted}, fmt.Errorf("save state: %w", err)
	}

	docsAfter, err := enumerateDocs(p.MlibDir)
	if err != nil {
		return Result{PendingBefore: pendingBefore, NAttempted: nAttempted}, fmt.Errorf("re-enumerate mlib docs: %w", err)
	}
	pendingAfter := len(pendingDocs(docsAfter, st.EmbeddedProjections))

	_ = audit.AppendEvent(p.LogsDir, "embed", "ok", fmt.Sprintf("embedded %d docs in collection %s", nAttempted, in.Collection))

	return Result{
		PendingBefore: pendingBefore,
		PendingAfter:  pendingAfter,
		Selected:      selectedPaths,
		NAttempted:    nAttempted,
		ElapsedMillis: elapsedMillis(start),
	}, nil
}

// acquireEmbedLock implements the stale-lock-steal rule from §4.6 step 6:
// a held lock younger than lockMaxAge with a live pid blocks; anything else
// is stolen and retried once.
func acquireEmbedLock(path string) (*lock.Handle, bool, error) {
	held, ok, err := lock.TryAcquire(path)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return held, true, nil
	}

	payload, readErr := lock.ReadPayload(path)
	if readErr != nil {
		return nil, false, nil
	}
	if !lock.IsStale(payload, lockMaxAge, time.Now().Unix()) {
		return nil, false, nil
	}
	if err := lock.StealStale(path); err != nil {
		return nil, false, err
	}
	return lock.TryAcquire(path)
}

func enumerateDocs(mlibDir string) ([]doc, error) {
	var docs []doc
	err := filepath.WalkDir(mlibDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		docs = append(docs, doc{path: path, mtime: info.ModTime().Unix()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].mtime != docs[j].mtime {
			return docs[i].mtime < docs[j].mtime
		}
		return docs[i].path < docs[j].path
	})
	return docs, nil
}

func pendingDocs(docs []doc, embedded map[string]int64) []doc {
	var out []doc
	for _, d := range docs {
		last, ok := embedded[d.path]
		if !ok || d.mtime > last {
			out = append(out, d)
		}
	}
	return out
}

func elapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
