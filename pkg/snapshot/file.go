package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore keeps snapshots as content-addressed objects under
// <base>/objects with a per-key index pointing at the latest one. Objects
// no index points at are removed on save.
type FileStore struct {
	BasePath string

	mu sync.Mutex
}

type indexEntry struct {
	SHA256  string    `json:"sha256"`
	Size    int       `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// NewFileStore creates the store directories under basePath
// (default ~/.switchboard/state).
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".switchboard", "state")
	}

	dirs := []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "indexes"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}

	return &FileStore{BasePath: basePath}, nil
}

// Save stores data by its SHA256 hash and points key at it.
func (s *FileStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])
	previous, _ := s.readIndex(key)

	// Shard by first 2 chars
	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, hash), data); err != nil {
		return fmt.Errorf("write object: %w", err)
	}

	idx, err := json.MarshalIndent(indexEntry{SHA256: hash, Size: len(data), SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.indexPath(key), idx); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	if previous.SHA256 != "" && previous.SHA256 != hash && !s.referenced(previous.SHA256) {
		if err := os.Remove(s.objectPath(previous.SHA256)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale object: %w", err)
		}
	}
	return nil
}

// referenced reports whether any index points at hash.
func (s *FileStore) referenced(hash string) bool {
	entries, err := os.ReadDir(filepath.Join(s.BasePath, "indexes"))
	if err != nil {
		return true
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		idx, err := s.readIndex(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || idx.SHA256 == hash {
			return true
		}
	}
	return false
}

func (s *FileStore) readIndex(key string) (indexEntry, error) {
	var entry indexEntry
	raw, err := os.ReadFile(s.indexPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return entry, ErrNotFound
	}
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("parse index for %s: %w", key, err)
	}
	if len(entry.SHA256) < 2 {
		return entry, fmt.Errorf("parse index for %s: missing hash", key)
	}
	return entry, nil
}

// Load returns the latest data saved under key.
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := s.readIndex(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.objectPath(entry.SHA256))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != entry.SHA256 {
		return nil, fmt.Errorf("snapshot %s: object hash mismatch", key)
	}
	return data, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) objectPath(hash string) string {
	return filepath.Join(s.BasePath, "objects", hash[:2], hash)
}

func (s *FileStore) indexPath(key string) string {
	return filepath.Join(s.BasePath, "indexes", key+".json")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
