package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/spf13/afero"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// fileRecord is the on-disk form of one cursor.
type fileRecord struct {
	InstanceID string    `json:"instance_id"`
	Cursor     string    `json:"cursor"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileStore keeps one JSON file per instance under a directory. Writes go to
// a temporary file that is renamed into place.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir on fs, creating dir if
// needed.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cursor directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (s *FileStore) path(instanceID string) string {
	return filepath.Join(s.dir, unsafeFileChars.ReplaceAllString(instanceID, "_")+".json")
}

func (s *FileStore) Load(_ context.Context, instanceID string) (string, error) {
	if err := validateInstance(instanceID); err != nil {
		return "", err
	}

	data, err := afero.ReadFile(s.fs, s.path(instanceID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("failed to decode cursor file: %w", err)
	}
	return rec.Cursor, nil
}

func (s *FileStore) Save(_ context.Context, instanceID, cursor string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}

	data, err := json.Marshal(fileRecord{
		InstanceID: instanceID,
		Cursor:     cursor,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(instanceID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

func (s *FileStore) Reset(_ context.Context, instanceID string) error {
	if err := validateInstance(instanceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path(instanceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cursor: %w", err)
	}
	return nil
}
