// Package storage defines the FileStore interface behind checkpoint and
// run-artifact persistence, with a local filesystem and an S3 backend.
package storage

import (
	"context"
	"io"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. The previous content, if any,
	// stays visible until Close succeeds; Abort discards everything written.
	Write(ctx context.Context, path string) (Writer, error)

	// Delete removes the named file. Missing files are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// Writer is an all-or-nothing file write. Exactly one of Close or Abort
// should be called.
type Writer interface {
	io.WriteCloser
	Abort() error
}

// WriteFile writes data to path through store, aborting on any error.
func WriteFile(ctx context.Context, store FileStore, path string, data []byte) error {
	w, err := store.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// ReadFile reads the whole file at path.
func ReadFile(ctx context.Context, store FileStore, path string) ([]byte, error) {
	r, err := store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
