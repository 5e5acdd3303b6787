package main

import (
	"context"

	"github.com/spf13/cobra"

	"moonmem/internal/indexer"
	"moonmem/internal/watcher"
)

var (
	recallQuery      string
	recallName       string
	recallChannelKey string
)

var moonRecallCmd = &cobra.Command{
	Use:   "moon-recall",
	Short: "Answer a memory query, preferring a channel map hit over semantic search",
	RunE:  runMoonRecall,
}

func init() {
	moonRecallCmd.Flags().StringVar(&recallQuery, "query", "", "query text (required)")
	moonRecallCmd.Flags().StringVar(&recallName, "name", "default", "collection name")
	moonRecallCmd.Flags().StringVar(&recallChannelKey, "channel-key", "", "resolve this channel session key's archive deterministically before falling back to search")
	moonRecallCmd.MarkFlagRequired("query")
}

func runMoonRecall(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-recall")
	if err != nil {
		return failHard("moon-recall", err)
	}

	if recallChannelKey != "" {
		archivePath, ok, err := watcher.LookupChannelArchive(p.ChannelMapFile, recallChannelKey)
		if err != nil {
			r.AddIssue("lookup channel map: %v", err)
			return finish(r)
		}
		if ok {
			r.AddDetail("channel_key=%s resolved deterministically to archive=%s", recallChannelKey, archivePath)
			return finish(r)
		}
		r.AddDetail("channel_key=%s has no recorded archive, falling back to semantic search", recallChannelKey)
	}

	idx := indexer.New(p.IndexerBin)
	out, err := idx.Search(context.Background(), recallName, recallQuery)
	if err != nil {
		r.AddIssue("search collection %s: %v", recallName, err)
		return finish(r)
	}
	r.AddDetail("%s", out)
	return finish(r)
}
