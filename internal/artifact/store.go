// Package artifact stores large step payloads (prompts, responses, patches)
// in a content-addressed filesystem layout: blobs/<hh>/<sha256>, keyed by
// the hash of the content itself. Identical content always lands on the
// same key, so concurrent writers need no locking.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("artifact not found")

// InlineThreshold is the payload size above which events carry an artifact
// hash reference instead of inline content.
const InlineThreshold = 4 * 1024

// Hash returns the hex-encoded SHA-256 content hash used as an artifact key.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is a filesystem-backed content-addressed blob store.
type Store struct {
	base string
}

// NewStore creates a store rooted at base, creating the directory if needed.
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(base, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{base: base}, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.base, "blobs", hash[:2], hash)
}

// Put stores data and returns its content hash. Writing content that is
// already stored is a no-op (write-if-absent).
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob prefix dir: %w", err)
	}

	// Write to a temp file and rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+hash+".tmp")
	if err != nil {
		return "", fmt.Errorf("create blob temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

// Get retrieves a blob by content hash, or ErrNotFound.
func (s *Store) Get(hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("invalid artifact hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether a blob is stored for the hash.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}
