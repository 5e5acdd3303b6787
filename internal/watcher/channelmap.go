package watcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// channelMapRecord is one Channel→Archive mapping entry (§9): which archive
// last backed a given channel session key, so a repeat compaction request
// for the same channel can be traced back to its source.
type channelMapRecord struct {
	SessionKey         string `json:"session_key"`
	SourcePath         string `json:"source_path"`
	ArchivePath        string `json:"archive_path"`
	UpdatedAtEpochSecs int64  `json:"updated_at_epoch_secs"`
}

func loadChannelMap(path string) (map[string]channelMapRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]channelMapRecord{}, nil
		}
		return nil, fmt.Errorf("read channel archive map: %w", err)
	}
	if len(data) == 0 {
		return map[string]channelMapRecord{}, nil
	}
	var m map[string]channelMapRecord
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse channel archive map: %w", err)
	}
	return m, nil
}

func saveChannelMap(path string, m map[string]channelMapRecord) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal channel archive map: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create channel archive map dir: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), os.Getpid()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp channel archive map: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename channel archive map into place: %w", err)
	}
	return nil
}

// upsertChannelMap records that sessionKey's latest pre-compaction snapshot
// is now archivePath, preserving the ordering guarantee that this upsert
// happens before the compaction request is issued (§5 rule b).
func upsertChannelMap(path, sessionKey, sourcePath, archivePath string) (channelMapRecord, error) {
	m, err := loadChannelMap(path)
	if err != nil {
		return channelMapRecord{}, err
	}
	rec := channelMapRecord{
		SessionKey:         sessionKey,
		SourcePath:         sourcePath,
		ArchivePath:        archivePath,
		UpdatedAtEpochSecs: time.Now().Unix(),
	}
	m[sessionKey] = rec
	if err := saveChannelMap(path, m); err != nil {
		return channelMapRecord{}, err
	}
	return rec, nil
}

// LookupChannelArchive returns the archive path last recorded for
// sessionKey, used by moon-recall to answer a --channel-key query
// deterministically, before falling back to semantic search (§8 scenario 3).
func LookupChannelArchive(path, sessionKey string) (string, bool, error) {
	m, err := loadChannelMap(path)
	if err != nil {
		return "", false, err
	}
	rec, ok := m[sessionKey]
	if !ok {
		return "", false, nil
	}
	return rec.ArchivePath, true, nil
}

// removeChannelMapByArchivePaths drops every entry whose archive path is in
// archivePaths, used by the retention sweep once an archive is deleted.
func removeChannelMapByArchivePaths(path string, archivePaths map[string]bool) (int, error) {
	if len(archivePaths) == 0 {
		return 0, nil
	}
	m, err := loadChannelMap(path)
	if err != nil {
		return 0, err
	}
	removed := 0
	for key, rec := range m {
		if archivePaths[rec.ArchivePath] {
			delete(m, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := saveChannelMap(path, m); err != nil {
		return 0, err
	}
	return removed, nil
}
