// Package persist turns dequeued frames into encoded images on a storage
// backend. A Worker owns one consumer loop; several workers may share a
// queue, a storage backend and, when configured, a sampling counter.
package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrStorageIO marks a failed write. It is never fatal to the pipeline: the
// worker logs it, counts it and moves on to the next frame.
var ErrStorageIO = errors.New("persist: storage write failed")

// Storage is where encoded frames end up.
//
// Contract:
//   - Write must be safe for concurrent use by several workers.
//   - Write must honor ctx cancellation where the backend allows it.
//   - Failures are returned wrapped with ErrStorageIO.
type Storage interface {
	Write(ctx context.Context, key string, data []byte) error
}

// DirStorage writes each key as a file under a root directory.
type DirStorage struct {
	root string
}

// NewDirStorage creates root if needed.
func NewDirStorage(root string) (*DirStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("persist: storage directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", root, err)
	}
	return &DirStorage{root: root}, nil
}

// Root returns the storage directory.
func (d *DirStorage) Root() string { return d.root }

// Write stores data under root/key. The file appears atomically: readers
// never observe a half-written image.
func (d *DirStorage) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}

	path := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %w", ErrStorageIO, key, err)
	}
	return nil
}
