// Package blobstore implements the content-addressed document store:
// every ingested file is written once under its sha256 hash and never
// mutated again.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

// Store is a filesystem-backed, content-addressed blob store. Blobs are
// sharded two directory levels deep, two hex characters per level, to
// keep any one directory small.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.root, id[:2], id[2:4], id)
}

// Put hashes r as it is streamed to disk and returns the resulting
// Blob. If a blob with the same hash already exists it is left
// untouched and returned as-is (content addressing makes Put
// idempotent by construction).
func (s *Store) Put(mediaType string, r io.Reader) (domain.Blob, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return domain.Blob{}, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	closeErr := tmp.Close()
	if err != nil {
		return domain.Blob{}, fmt.Errorf("blobstore: write temp file: %w", err)
	}
	if closeErr != nil {
		return domain.Blob{}, fmt.Errorf("blobstore: close temp file: %w", closeErr)
	}

	id := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(id)
	if _, err := os.Stat(dest); err == nil {
		return domain.Blob{ID: id, MediaType: mediaType, Size: size, ReceivedAt: time.Now()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return domain.Blob{}, fmt.Errorf("blobstore: create shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return domain.Blob{}, fmt.Errorf("blobstore: finalize blob %s: %w", id, err)
	}

	return domain.Blob{ID: id, MediaType: mediaType, Size: size, ReceivedAt: time.Now()}, nil
}

// Get opens a blob for reading by ID, re-hashing the stored bytes
// first: any divergence from the content address means on-disk
// corruption, never a legitimate state. Callers must Close the
// returned file.
func (s *Store) Get(id string) (*os.File, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("blobstore: open blob %s: %w", id, err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: read blob %s: %w", id, err)
	}
	if hex.EncodeToString(h.Sum(nil)) != id {
		f.Close()
		return nil, fmt.Errorf("%w: blob %s bytes no longer match their hash", domain.ErrCorrupt, id)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: rewind blob %s: %w", id, err)
	}
	return f, nil
}

// Exists reports whether a blob with the given ID is already stored.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}
