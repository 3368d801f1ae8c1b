// Package persist provides a file-backed implementation of the blob
// persistence interface the facade consumes. One key maps to one file.
package persist

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileStore saves blobs as files under a single directory. Keys are hex
// encoded into file names so arbitrary strings, including wallet addresses
// with prefixes, are safe.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the blob for key, replacing any previous value atomically.
func (s *FileStore) Save(key string, blob []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"key":      key,
		"bytes":    len(blob),
	}).Debug("Blob persisted")
	return nil
}

// Load reads the blob for key.
func (s *FileStore) Load(key string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return blob, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".dat")
}
