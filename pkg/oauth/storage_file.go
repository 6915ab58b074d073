package oauth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStorage implements Storage on the local filesystem: one file per key
// under baseDir. Suitable for CLI and desktop hosts where sessions should
// persist across restarts; generalized from the teacher's
// session.FileStorage (same one-file-per-key layout and sanitization), but
// operating on opaque string values instead of a typed session record.
type FileStorage struct {
	baseDir string
}

// NewFileStorage creates a file-backed Storage rooted at baseDir.
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{baseDir: baseDir}
}

type fileEntry struct {
	Value    string    `json:"value"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Set writes key's value (and ttl deadline, if any) to its file.
func (f *FileStorage) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return newErr(KindSession, "storage key cannot be empty", nil)
	}
	if err := os.MkdirAll(f.baseDir, 0700); err != nil {
		return wrapf(KindSession, err, "creating storage directory")
	}

	var entry fileEntry
	entry.Value = value
	if ttl > 0 {
		entry.Deadline = time.Now().Add(ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return wrapf(KindSession, err, "serializing storage entry")
	}
	if err := os.WriteFile(f.pathFor(key), data, 0600); err != nil {
		return wrapf(KindSession, err, "writing storage file for key %q", key)
	}
	return nil
}

// Get reads key's value, treating a missing file or an expired deadline as
// absent. An expired file is removed.
func (f *FileStorage) Get(_ context.Context, key string) (string, bool, error) {
	path := f.pathFor(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapf(KindSession, err, "reading storage file for key %q", key)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false, wrapf(KindSession, err, "parsing storage file for key %q", key)
	}
	if !entry.Deadline.IsZero() && time.Now().After(entry.Deadline) {
		_ = os.Remove(path)
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Delete removes key's file, if present.
func (f *FileStorage) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return wrapf(KindSession, err, "removing storage file for key %q", key)
	}
	return nil
}

func (f *FileStorage) pathFor(key string) string {
	return filepath.Join(f.baseDir, sanitizeStorageKey(key)+".json")
}

// sanitizeStorageKey strips path separators from a storage key so it is
// safe to use as a filename, matching the teacher's sanitizeKey.
func sanitizeStorageKey(key string) string {
	key = strings.ReplaceAll(key, "/", "_")
	key = strings.ReplaceAll(key, "\\", "_")
	key = strings.ReplaceAll(key, "..", "_")
	return key
}
