package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/gamepulsehq/relay/pkg/types"
)

// ErrRecordingNotFound signals the absence of a stored recording.
var ErrRecordingNotFound = errors.New("recording not found")

// Store persists sealed recordings. Save overwrites any recording with the
// same ID, which is how checkpoints of an in-flight recording work.
type Store interface {
	Save(ctx context.Context, rec types.Recording) error
	Load(ctx context.Context, id string) (types.Recording, error)
	List(ctx context.Context) ([]types.Recording, error)
	Delete(ctx context.Context, id string) error
}

// FileStore keeps one gzip-compressed JSON document per recording under a
// directory. Suited to single-node deployments and local replay work.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("recorder: store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// fileName derives the document name from the recording's start time plus a
// short ID suffix, so directory listings sort chronologically.
func fileName(rec types.Recording) string {
	return fmt.Sprintf("%s-%s.json.gz", rec.StartedAt.UTC().Format(time.RFC3339), shortID(rec.ID))
}

func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 8 {
		clean = clean[:8]
	}
	return clean
}

// locate resolves a recording ID to its document path.
func (s *FileStore) locate(id string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read recording dir: %w", err)
	}
	suffix := "-" + shortID(id) + ".json.gz"
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		return filepath.Join(s.dir, entry.Name()), nil
	}
	return "", ErrRecordingNotFound
}

// Save writes through a temp file and renames, so a checkpoint interrupted
// mid-write never corrupts the previous copy.
func (s *FileStore) Save(_ context.Context, rec types.Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("recorder: recording id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".recording-*")
	if err != nil {
		return fmt.Errorf("create temp recording: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("compress recording: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush recording: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, fileName(rec))); err != nil {
		return fmt.Errorf("publish recording: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, id string) (types.Recording, error) {
	path, err := s.locate(id)
	if err != nil {
		return types.Recording{}, err
	}
	rec, err := s.read(path)
	if err != nil {
		return types.Recording{}, err
	}
	if rec.ID != id {
		return types.Recording{}, ErrRecordingNotFound
	}
	return rec, nil
}

func (s *FileStore) read(path string) (types.Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Recording{}, ErrRecordingNotFound
		}
		return types.Recording{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return types.Recording{}, fmt.Errorf("decompress recording: %w", err)
	}
	defer zr.Close()

	var rec types.Recording
	if err := json.NewDecoder(zr).Decode(&rec); err != nil {
		return types.Recording{}, fmt.Errorf("decode recording: %w", err)
	}
	return rec, nil
}

// List returns every stored recording ordered by start time.
func (s *FileStore) List(_ context.Context) ([]types.Recording, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read recording dir: %w", err)
	}

	var out []types.Recording
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}
		rec, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	path, err := s.locate(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrRecordingNotFound
		}
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}
