// Package archive maintains the JSONL archive ledger and the raw/ snapshot
// tree: dedup-by-hash snapshotting, indexer invocation, bulk removal, and a
// ledger/state path-rewrite helper. It writes no mlib projections and has no
// pass that migrates old archive layouts forward.
package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moonmem/internal/audit"
	"moonmem/internal/indexer"
	"moonmem/internal/logging"
	"moonmem/internal/state"
)

// Record is one JSONL ledger entry (spec.md §3 Archive Record).
type Record struct {
	SessionID          string `json:"session_id"`
	SourcePath         string `json:"source_path"`
	ArchivePath        string `json:"archive_path"`
	ContentHash        string `json:"content_hash"`
	CreatedAtEpochSecs int64  `json:"created_at_epoch_secs"`
	IndexedCollection  string `json:"indexed_collection"`
	Indexed            bool   `json:"indexed"`
}

// Outcome is the result of an archive-and-index call.
type Outcome struct {
	Record  Record
	Deduped bool
}

// Store owns the ledger file and the raw/ snapshot directory rooted at
// archivesDir.
type Store struct {
	archivesDir string
	ledgerPath  string
	bridge      *indexer.Bridge
}

func New(archivesDir, ledgerPath string, bridge *indexer.Bridge) *Store {
	return &Store{archivesDir: archivesDir, ledgerPath: ledgerPath, bridge: bridge}
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadLedger parses every non-blank JSONL line in the ledger file. A
// missing file yields an empty slice, not an error.
func (s *Store) ReadLedger() ([]Record, error) {
	return readLedger(s.ledgerPath)
}

func readLedger(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse ledger line in %s: %w", path, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger %s: %w", path, err)
	}
	return out, nil
}

func appendLedger(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// RemoveRecords drops every ledger line whose archive_path is in
// archivePaths, reading the whole ledger, filtering, and writing it back
// in one shot. Returns the number of records removed.
func (s *Store) RemoveRecords(archivePaths map[string]bool) (int, error) {
	if len(archivePaths) == 0 {
		return 0, nil
	}
	existing, err := s.ReadLedger()
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return 0, nil
	}

	kept := existing[:0:0]
	for _, rec := range existing {
		if !archivePaths[rec.ArchivePath] {
			kept = append(kept, rec)
		}
	}
	removed := len(existing) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	var sb strings.Builder
	for _, rec := range kept {
		line, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("marshal ledger record: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(s.ledgerPath, []byte(sb.String()), 0o644); err != nil {
		return 0, fmt.Errorf("write ledger %s: %w", s.ledgerPath, err)
	}
	return removed, nil
}

// writeSnapshot copies source into <archivesDir>/raw/<stem>-<epoch><ext>
// using a write-then-rename atomic sequence, returning the final path.
func writeSnapshot(archivesDir, source string) (string, error) {
	rawDir := filepath.Join(archivesDir, "raw")
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return "", fmt.Errorf("create raw dir: %w", err)
	}

	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	target := filepath.Join(rawDir, fmt.Sprintf("%s-%d%s", stem, time.Now().Unix(), ext))

	in, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("open source %s: %w", source, err)
	}
	defer in.Close()

	tmp := target + fmt.Sprintf(".%d.tmp", os.Getpid())
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create tmp snapshot: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy into snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close tmp snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename snapshot into place: %w", err)
	}
	return target, nil
}

// ArchiveAndIndex snapshots source, dedupes by (hash, source path),
// invokes the indexer bridge, and appends a ledger record.
func (s *Store) ArchiveAndIndex(ctx context.Context, source, collection string) (Outcome, error) {
	sourceHash, err := fileHash(source)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := s.ReadLedger()
	if err != nil {
		return Outcome{}, err
	}
	for _, rec := range existing {
		if rec.ContentHash == sourceHash && rec.SourcePath == source {
			return Outcome{Record: rec, Deduped: true}, nil
		}
	}

	target, err := writeSnapshot(s.archivesDir, source)
	if err != nil {
		return Outcome{}, err
	}
	archiveHash, err := fileHash(target)
	if err != nil {
		return Outcome{}, err
	}

	sessionID := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	indexed := true
	if s.bridge != nil {
		if _, err := s.bridge.CollectionAddOrUpdate(ctx, s.archivesDir, collection); err != nil {
			indexed = false
			audit.Warn(audit.WarnEvent{
				Code:    "INDEX_FAILED",
				Stage:   "indexer",
				Action:  "archive-index",
				Session: sessionID,
				Archive: target,
				Source:  source,
				Retry:   "retry-next-cycle",
				Reason:  "collection-add-or-update-failed",
				Err:     err.Error(),
			})
			logging.Get(logging.CategoryArchive).Error("index failed for %s: %v", target, err)
		}
	} else {
		indexed = false
	}

	rec := Record{
		SessionID:          sessionID,
		SourcePath:         source,
		ArchivePath:        target,
		ContentHash:        archiveHash,
		CreatedAtEpochSecs: time.Now().Unix(),
		IndexedCollection:  collection,
		Indexed:            indexed,
	}
	if err := appendLedger(s.ledgerPath, rec); err != nil {
		return Outcome{}, err
	}
	return Outcome{Record: rec}, nil
}

// RewriteLedgerPaths applies an old->new archive path rewrite across every
// ledger record and the engine state's path-keyed maps.
func RewriteLedgerPaths(ledgerPath string, st *state.State, statePath string, rewrites map[string]string) error {
	if len(rewrites) == 0 {
		return nil
	}
	existing, err := readLedger(ledgerPath)
	if err != nil {
		return err
	}
	changed := false
	for i, rec := range existing {
		if newPath, ok := rewrites[rec.ArchivePath]; ok {
			existing[i].ArchivePath = newPath
			changed = true
		}
		if newPath, ok := rewrites[rec.SourcePath]; ok {
			existing[i].SourcePath = newPath
			changed = true
		}
	}
	if changed {
		var sb strings.Builder
		for _, rec := range existing {
			line, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal ledger record: %w", err)
			}
			sb.Write(line)
			sb.WriteByte('\n')
		}
		if err := os.WriteFile(ledgerPath, []byte(sb.String()), 0o644); err != nil {
			return fmt.Errorf("write ledger %s: %w", ledgerPath, err)
		}
	}
	return st.RewritePaths(statePath, rewrites)
}
