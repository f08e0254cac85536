package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

// StorageFS is a filesystem-based blob store
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create root directory %v (relative path %v): %w", absRoot, root, err)
	}
	s := &StorageFS{
		Root: absRoot,
		log:  log,
	}
	s.removeStaleTempFiles(time.Now().Add(-StaleTempAge))
	return s, nil
}

// Temporary files older than this are left over from a crash, and are removed at startup
const StaleTempAge = 10 * time.Minute

// tempPattern is the CreateTemp pattern of a file being written to 'final'
func tempPattern(final string) string {
	return "." + filepath.Base(final) + tempMarker + "*"
}

const tempMarker = ".tmp-"

func (s *StorageFS) removeStaleTempFiles(olderThan time.Time) {
	nRemoved := 0
	filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, ".") || !strings.Contains(name, tempMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(olderThan) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.Warnf("Failed to remove stale temporary file %v: %v", path, err)
		} else {
			nRemoved++
		}
		return nil
	})
	if nRemoved != 0 {
		s.log.Infof("Removed %v stale temporary files from %v", nRemoved, s.Root)
	}
}

// atomicFile is written to a temporary file in the target directory, and renamed into place on Close
type atomicFile struct {
	*os.File
	final string
	done  bool
}

func (a *atomicFile) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	tmp := a.File.Name()
	if err := a.File.Sync(); err != nil {
		a.File.Close()
		os.Remove(tmp)
		return err
	}
	if err := a.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, a.final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (a *atomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.File.Close()
	os.Remove(a.File.Name())
}

func (s *StorageFS) WriteFile(ctx context.Context, name string) (Writer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.log.Debugf("Writing file %v", name)
	fullPath := filepath.Join(s.Root, name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), tempPattern(fullPath))
	if err != nil {
		return nil, err
	}
	return &atomicFile{
		File:  tmp,
		final: fullPath,
	}, nil
}

func (s *StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.Root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (s *StorageFS) DeleteFile(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.log.Infof("Deleting file %v", name)
	return os.Remove(filepath.Join(s.Root, name))
}

func (s *StorageFS) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}
