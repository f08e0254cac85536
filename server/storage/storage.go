// Package storage is an abstraction of a blob store, with filesystem and GCS backends
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNoPublicUrl = errors.New("Storage has no public URL for this object")
var ErrNotFound = errors.New("Object not found")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must either Close the Writer (to commit) or Abort it (to discard).
	// Readers never observe a partially written object.
	WriteFile(ctx context.Context, name string) (Writer, error)

	// When finished, you must close File.Reader. A missing object is ErrNotFound.
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// Return a public URL that can be used to fetch the object, or ErrNoPublicUrl
	URL(name string) (string, error)
}

// Writer is an object that is being written. Close commits it.
type Writer interface {
	io.WriteCloser
	// Abort discards everything written so far. It is a no-op after Close.
	Abort()
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Write the whole of 'content' to 'name'. If anything fails, or ctx is cancelled
// before the object is committed, then nothing is written.
func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, content); err != nil {
		f.Abort()
		return err
	}
	if err = ctx.Err(); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("Invalid file name '%v'", name)
	}
	return nil
}
