// Package lock provides the four cross-process advisory locks the engine
// relies on for mutual exclusion (§5): the daemon singleton, the embed
// worker singleton, L1 normalisation, and the MEMORY.md writer.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Handle wraps an acquired flock, released by Close.
type Handle struct {
	flock *flock.Flock
}

// Close releases the lock.
func (h *Handle) Close() error {
	if h == nil || h.flock == nil {
		return nil
	}
	return h.flock.Unlock()
}

// TryAcquire attempts a non-blocking exclusive lock. ok=false with a nil
// error means the lock is already held by someone else.
func TryAcquire(path string) (*Handle, bool, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Handle{flock: fl}, true, nil
}

// AcquireBlocking takes the lock, waiting if necessary. Used for
// logs/memory.md.lock, the one lock in §5 that blocks rather than degrades.
func AcquireBlocking(path string) (*Handle, error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &Handle{flock: fl}, nil
}

// Payload is the JSON record written into a held lock file, per §5's
// {pid, started_at, ...} shape. Mode/Collection/BuildUUID/MoonHome are
// populated by whichever caller owns that particular lock file.
type Payload struct {
	PID        int    `json:"pid"`
	StartedAt  int64  `json:"started_at"`
	Mode       string `json:"mode,omitempty"`
	Collection string `json:"collection,omitempty"`
	BuildUUID  string `json:"build_uuid,omitempty"`
	MoonHome   string `json:"moon_home,omitempty"`
}

// WritePayload overwrites path with the JSON-encoded payload. Called after
// the flock has already been acquired.
func WritePayload(path string, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal lock payload: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadPayload parses a lock file, falling back to the legacy plain-PID-line
// format (a bare integer, optionally followed by other text) when the bytes
// are not valid JSON.
func ReadPayload(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, err
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err == nil {
		return p, nil
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err == nil {
		return Payload{PID: pid}, nil
	}
	return Payload{}, fmt.Errorf("lock payload %s is neither JSON nor a legacy pid line", path)
}

// IsStale reports whether a lock payload should be treated as abandoned:
// its pid is not a live process, or it was started longer ago than ttl.
func IsStale(p Payload, ttl time.Duration, now int64) bool {
	if !PIDAlive(p.PID) {
		return true
	}
	if ttl <= 0 {
		return false
	}
	return now-p.StartedAt > int64(ttl.Seconds())
}

// PIDAlive reports whether a process with the given pid is currently alive,
// using signal 0 which performs existence/permission checks without
// delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}

// StealStale forcibly removes a lock file believed stale, so the caller can
// re-attempt TryAcquire. Used by the embed worker per §4.6 step 6.
func StealStale(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock %s: %w", path, err)
	}
	return nil
}
