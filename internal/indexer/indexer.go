// Package indexer bridges to the external indexer binary (collection
// add/update, search, retention-triggered update, and embed capability
// probing + bounded embed), routed exclusively through internal/executil.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"moonmem/internal/executil"
)

// CollectionOutcome reports which branch collection add-or-update took.
type CollectionOutcome int

const (
	Added CollectionOutcome = iota
	Updated
	Recreated
)

func (o CollectionOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Recreated:
		return "recreated"
	default:
		return "unknown"
	}
}

// Capability classifies what the indexer binary's embed subcommand supports.
type Capability int

const (
	Bounded Capability = iota
	UnboundedOnly
	Missing
)

// ErrCapabilityMissing is surfaced to Manual callers when the indexer lacks
// a usable embed subcommand (§4.6 step 5).
var ErrCapabilityMissing = errors.New("indexer embed capability missing")

// ErrStatusFailed is returned when stdout carries a failure signal even
// though the process exited zero (§4.4).
var ErrStatusFailed = errors.New("indexer reported failed status")

const probeTimeout = 30 * time.Second

// Bridge wraps the resolved indexer binary path.
type Bridge struct {
	Bin string
}

func New(bin string) *Bridge {
	return &Bridge{Bin: bin}
}

// archiveCollectionMask is the fixed mlib glob every archive collection is
// synced with, matching original_source/src/moon/qmd.rs's
// ARCHIVE_COLLECTION_MASK.
const archiveCollectionMask = "mlib/**/*.md"

// collectionAdd runs `collection add <archivesDir> --name <collection>
// --mask <mask>`, archivesDir positional exactly as qmd.rs passes it.
func (b *Bridge) collectionAdd(ctx context.Context, archivesDir, collection string) (executil.Result, error) {
	return executil.Run(ctx, executil.ShortTimeout, b.Bin, "collection", "add",
		archivesDir, "--name", collection, "--mask", archiveCollectionMask)
}

// CollectionAddOrUpdate implements the add/already-exists/mask-mismatch
// recreate decision tree from §4.4's table, following qmd.rs's
// collection_add_or_update exactly: add first; on an "already exists"
// signal, read the existing pattern off a plain-text `collection list` and
// either update in place or remove+re-add when the mask has drifted.
func (b *Bridge) CollectionAddOrUpdate(ctx context.Context, archivesDir, collection string) (CollectionOutcome, error) {
	res, err := b.collectionAdd(ctx, archivesDir, collection)
	if err == nil && !failed(res) {
		return Added, nil
	}

	if !isExistingCollectionError(res) {
		return Added, fmt.Errorf("collection add --name %s: %w", collection, firstErr(err, res))
	}

	pattern, patternErr := collectionPattern(ctx, b.Bin, collection)
	if patternErr == nil && pattern != "" && pattern != archiveCollectionMask {
		if _, err := executil.Run(ctx, executil.ShortTimeout, b.Bin, "collection", "remove", collection); err != nil {
			return Added, fmt.Errorf("collection remove %s: %w", collection, err)
		}
		res, err := b.collectionAdd(ctx, archivesDir, collection)
		if err != nil || failed(res) {
			return Added, fmt.Errorf("collection add --name %s after recreate: %w", collection, firstErr(err, res))
		}
		return Recreated, nil
	}

	upd, err := executil.Run(ctx, executil.ShortTimeout, b.Bin, "update")
	if err != nil || failed(upd) {
		return Added, fmt.Errorf("update after collection add conflict: %w", firstErr(err, upd))
	}
	return Updated, nil
}

// Reproject forces the unconditional remove+re-add branch of
// CollectionAddOrUpdate, used by moon-index --reproject when a collection's
// embeddings need to be rebuilt from mlib projections from scratch rather
// than incrementally updated.
func (b *Bridge) Reproject(ctx context.Context, archivesDir, collection string) error {
	executil.Run(ctx, executil.ShortTimeout, b.Bin, "collection", "remove", collection)
	res, err := b.collectionAdd(ctx, archivesDir, collection)
	if err != nil {
		return fmt.Errorf("collection add --name %s: %w", collection, err)
	}
	if failed(res) {
		return fmt.Errorf("collection add --name %s: %w", collection, ErrStatusFailed)
	}
	return nil
}

// Search runs `search <collection> <query> --json` and returns stdout
// unchanged for the recall command to parse.
func (b *Bridge) Search(ctx context.Context, collection, query string) (string, error) {
	res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, "search", collection, query, "--json")
	if err != nil {
		return "", fmt.Errorf("search %s: %w", collection, err)
	}
	if failed(res) {
		return res.Stdout, fmt.Errorf("search %s: %w", collection, ErrStatusFailed)
	}
	return res.Stdout, nil
}

// Update runs a bare `update`, used after retention purges.
func (b *Bridge) Update(ctx context.Context) error {
	res, err := executil.Run(ctx, executil.DefaultTimeout, b.Bin, "update")
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if failed(res) {
		return fmt.Errorf("update: %w", ErrStatusFailed)
	}
	return nil
}

// ProbeEmbedCapability runs `embed --help` and classifies the binary's
// support level.
func (b *Bridge) ProbeEmbedCapability(ctx context.Context) Capability {
	res, err := executil.Run(ctx, probeTimeout, b.Bin, "embed", "--help")
	if err != nil || res.ExitCode != 0 {
		return Missing
	}
	if strings.Contains(res.Stdout, "--max-docs") {
		return Bounded
	}
	return UnboundedOnly
}

// BoundedEmbed runs `embed <collection> --max-docs <N>` under an optional
// wall-clock timeout (zero means executil.DefaultTimeout).
func (b *Bridge) BoundedEmbed(ctx context.Context, collection string, maxDocs int, timeout time.Duration) (executil.Result, error) {
	if timeout <= 0 {
		timeout = executil.DefaultTimeout
	}
	res, err := executil.Run(ctx, timeout, b.Bin, "embed", collection, "--max-docs", fmt.Sprintf("%d", maxDocs))
	if err != nil {
		return res, err
	}
	if failed(res) {
		return res, ErrStatusFailed
	}
	return res, nil
}

// failed inspects stdout for the documented failure signals, which mark a
// run failed even when the process exit code is zero.
func failed(res executil.Result) bool {
	return strings.Contains(res.Stdout, `"status":"failed"`) || strings.Contains(res.Stdout, `"ok":false`)
}

// isExistingCollectionError matches qmd.rs's is_existing_collection_error:
// both "collection" and "already exists" must appear somewhere across
// stdout+stderr.
func isExistingCollectionError(res executil.Result) bool {
	combined := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	return strings.Contains(combined, "collection") && strings.Contains(combined, "already exists")
}

// collectionPattern runs a plain-text `collection list` (no --json; the
// indexer binary's list output is qmd.rs's own
// "<name> (qmd://...)" block format, not JSON) and scans for the named
// collection's block, returning the trimmed value of its "Pattern:" line.
func collectionPattern(ctx context.Context, bin, collection string) (string, error) {
	res, err := executil.Run(ctx, executil.ShortTimeout, bin, "collection", "list")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("collection list: %w", ErrStatusFailed)
	}

	prefix := collection + " (qmd://"
	inBlock := false
	for _, line := range strings.Split(res.Stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		if trimmed == "" {
			break
		}
		if pattern, ok := strings.CutPrefix(trimmed, "Pattern:"); ok {
			return strings.TrimSpace(pattern), nil
		}
	}
	return "", nil
}

func firstErr(err error, res executil.Result) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrStatusFailed, res.Stderr)
}
