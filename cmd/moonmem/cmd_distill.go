package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"moonmem/internal/distill"
)

var (
	distillArchive         string
	distillSessionID       string
	distillAllowLarge      bool
	distillDryRun          bool
)

// maxDistillArchiveBytes is the default ceiling above which moon-distill
// refuses a source unless --allow-large-archive is passed, avoiding an
// accidental L1 pass over a multi-gigabyte export chewing through a daily
// memory file's write budget.
const maxDistillArchiveBytes = 32 * 1024 * 1024

var moonDistillCmd = &cobra.Command{
	Use:   "moon-distill",
	Short: "Run L1 normalisation over one archived session source",
	RunE:  runMoonDistill,
}

func init() {
	moonDistillCmd.Flags().StringVar(&distillArchive, "archive", "", "archive or projection path to normalise (required)")
	moonDistillCmd.Flags().StringVar(&distillSessionID, "session-id", "", "session id recorded in the daily memory block (default: archive filename stem)")
	moonDistillCmd.Flags().BoolVar(&distillAllowLarge, "allow-large-archive", false, "bypass the large-archive size guard")
	moonDistillCmd.Flags().BoolVar(&distillDryRun, "dry-run", false, "report the archive and session id that would be normalised, without parsing or writing anything")
	moonDistillCmd.MarkFlagRequired("archive")
}

func runMoonDistill(cmd *cobra.Command, args []string) error {
	p, _, r, err := bootstrap("moon-distill")
	if err != nil {
		return failHard("moon-distill", err)
	}

	info, err := os.Stat(distillArchive)
	if err != nil {
		r.AddIssue("stat archive %s: %v", distillArchive, err)
		return finish(r)
	}
	if info.Size() > maxDistillArchiveBytes && !distillAllowLarge {
		r.AddIssue("archive %s is %d bytes, over the %d byte guard; pass --allow-large-archive to proceed", distillArchive, info.Size(), int64(maxDistillArchiveBytes))
		return finish(r)
	}

	sessionID := distillSessionID
	if sessionID == "" {
		base := filepath.Base(distillArchive)
		sessionID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if distillDryRun {
		r.AddDetail("dry-run: would normalise %s as session %s (no daily memory write)", distillArchive, sessionID)
		return finish(r)
	}

	block, err := distill.Normalize(p, distill.NormalizeInput{
		SourcePath:       distillArchive,
		SessionID:        sessionID,
		ArchiveEpochSecs: info.ModTime().Unix(),
	})
	if err != nil {
		r.AddIssue("normalise %s: %v", distillArchive, err)
		return finish(r)
	}

	r.AddDetail("normalised %s into %s", distillArchive, distill.DailyMemoryPath(p, info.ModTime().Unix()))
	r.AddDetail("session_block_bytes=%d", len(block))
	return finish(r)
}
