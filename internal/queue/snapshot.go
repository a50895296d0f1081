package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// snapshotDoc is the on-disk shape of a queue snapshot.
type snapshotDoc struct {
	SavedAt time.Time `json:"saved_at"`
	Entries []entry   `json:"entries"`
}

// SaveSnapshot writes the queue's current contents to path as a gzipped JSON
// document, atomically (temp file then rename).
func (q *Queue) SaveSnapshot(path string) error {
	doc := snapshotDoc{
		SavedAt: q.now(),
		Entries: q.snapshotEntries(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		gz.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores a snapshot written by SaveSnapshot. A missing file is
// not an error. Entries expired since the snapshot was taken are
// dead-lettered rather than re-queued, preserving at-least-once (never
// exactly-once) continuity across restarts.
func (q *Queue) LoadSnapshot(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot %q: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read snapshot %q: %w", path, err)
	}
	defer gz.Close()

	var doc snapshotDoc
	if err := json.NewDecoder(gz).Decode(&doc); err != nil {
		return fmt.Errorf("decode snapshot %q: %w", path, err)
	}

	q.restoreEntries(doc.Entries)
	return nil
}

// RunSnapshots persists the queue on the given interval until the context is
// cancelled, writing one final snapshot on the way out. Individual write
// failures are logged and retried next tick, never fatal.
func (q *Queue) RunSnapshots(ctx context.Context, path string, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := q.SaveSnapshot(path); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("final queue snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := q.SaveSnapshot(path); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("queue snapshot failed")
			}
		}
	}
}
