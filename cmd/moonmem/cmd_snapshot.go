package main

import (
	"context"

	"github.com/spf13/cobra"

	"moonmem/internal/archive"
	"moonmem/internal/indexer"
)

var (
	snapshotSource string
	snapshotDryRun bool

	indexName      string
	indexDryRun    bool
	indexReproject bool
)

var moonSnapshotCmd = &cobra.Command{
	Use:   "moon-snapshot",
	Short: "Archive the latest (or given) session source into the raw archive tree",
	RunE:  runMoonSnapshot,
}

var moonIndexCmd = &cobra.Command{
	Use:   "moon-index",
	Short: "Add or update the indexer collection over archived mlib projections",
	RunE:  runMoonIndex,
}

func init() {
	moonSnapshotCmd.Flags().StringVar(&snapshotSource, "source", "", "session source path (default: newest file under the host sessions dir)")
	moonSnapshotCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "report the snapshot that would be written without writing it")

	moonIndexCmd.Flags().StringVar(&indexName, "name", "default", "collection name")
	moonIndexCmd.Flags().BoolVar(&indexDryRun, "dry-run", false, "report the collection action that would run without running it")
	moonIndexCmd.Flags().BoolVar(&indexReproject, "reproject", false, "force a full remove+re-add instead of an incremental update")
}

func runMoonSnapshot(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-snapshot")
	if err != nil {
		return failHard("moon-snapshot", err)
	}

	source := snapshotSource
	if source == "" {
		source, err = latestSessionFileFor(p.HostSessionsDir)
		if err != nil {
			r.AddIssue("locate source: %v", err)
			return finish(r)
		}
	}

	if snapshotDryRun {
		r.AddDetail("dry-run: would archive %s (no raw snapshot or ledger entry written)", source)
		return finish(r)
	}

	idx := indexer.New(p.IndexerBin)
	store := archive.New(p.ArchivesDir, p.LedgerFile, idx)
	out, err := store.ArchiveAndIndex(context.Background(), source, "default")
	if err != nil {
		r.AddIssue("archive %s: %v", source, err)
		return finish(r)
	}
	if out.Deduped {
		r.AddDetail("source already archived at %s (content hash matched)", out.Record.ArchivePath)
	} else {
		r.AddDetail("archived %s -> %s indexed=%v", source, out.Record.ArchivePath, out.Record.Indexed)
	}
	return finish(r)
}

func runMoonIndex(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-index")
	if err != nil {
		return failHard("moon-index", err)
	}

	idx := indexer.New(p.IndexerBin)

	if indexDryRun {
		verb := "add-or-update"
		if indexReproject {
			verb = "reproject (remove+re-add)"
		}
		r.AddDetail("dry-run: would %s collection %s over %s", verb, indexName, p.ArchivesDir)
		return finish(r)
	}

	ctx := context.Background()
	if indexReproject {
		if err := idx.Reproject(ctx, p.ArchivesDir, indexName); err != nil {
			r.AddIssue("reproject collection %s: %v", indexName, err)
			return finish(r)
		}
		r.AddDetail("reprojected collection %s", indexName)
		return finish(r)
	}

	outcome, err := idx.CollectionAddOrUpdate(ctx, p.ArchivesDir, indexName)
	if err != nil {
		r.AddIssue("update collection %s: %v", indexName, err)
		return finish(r)
	}
	r.AddDetail("collection %s: %s", indexName, outcome.String())
	return finish(r)
}
