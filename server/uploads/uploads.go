// Package uploads holds client uploads on local disk for the duration of a single analysis
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/leafscan/pkg/iox"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

var ErrTooLarge = iox.ErrTooLarge

// Dir assigns filenames for uploads, and automatically deletes old ones.
// Every upload is released by the request that created it, so the sweep only
// catches files orphaned by a crash or a bug.
type Dir struct {
	Root string
	log  logs.Log

	lock          sync.Mutex // guards access to all internal state
	lastCleanup   time.Time
	cleanInterval time.Duration
	maxAge        time.Duration
}

// Wipes/recreates the root directory
func NewDir(log logs.Log, root string, maxAge time.Duration) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create upload directory '%v': %w", root, err)
	}
	all, _ := filepath.Glob(filepath.Join(root, "*"))
	for _, fn := range all {
		os.Remove(fn)
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Dir{
		Root:          root,
		log:           log,
		lastCleanup:   time.Now(),
		cleanInterval: maxAge / 2,
		maxAge:        maxAge,
	}, nil
}

// Save writes src to a new temporary file. 'originalName' is only used for its extension.
func (d *Dir) Save(src io.Reader, originalName string, maxBytes int64) (*Upload, error) {
	fn := d.newFilename(originalName)
	if _, err := iox.WriteStreamToFile(fn, src, maxBytes); err != nil {
		return nil, err
	}
	return &Upload{
		path: fn,
		log:  d.log,
	}, nil
}

func (d *Dir) newFilename(originalName string) string {
	d.lock.Lock()
	defer d.lock.Unlock()
	if time.Since(d.lastCleanup) > d.cleanInterval {
		d.lastCleanup = time.Now()
		go d.cleanOld()
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return filepath.Join(d.Root, fmt.Sprintf("analysis-%d-%v%v", time.Now().UnixNano(), uuid.NewString(), ext))
}

// this must not touch any shared mutable state, or take the lock
func (d *Dir) cleanOld() {
	all, _ := os.ReadDir(d.Root)
	threshold := time.Now().Add(-d.maxAge)
	for _, e := range all {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(threshold) {
			d.log.Warnf("Deleting orphaned upload %v", e.Name())
			os.Remove(filepath.Join(d.Root, e.Name()))
		}
	}
}

// Upload is a temporary file that must be released exactly once.
// Release may be called any number of times, from any goroutine.
type Upload struct {
	path    string
	log     logs.Log
	release sync.Once
}

// Filesystem path of the upload
func (u *Upload) Name() string {
	return u.path
}

// Returns true if the file is still present on disk
func (u *Upload) Exists() bool {
	_, err := os.Stat(u.path)
	return err == nil
}

// Read the whole upload
func (u *Upload) ReadAll() ([]byte, error) {
	return os.ReadFile(u.path)
}

// Delete the file. Failures are logged, never returned, because at this point
// there is nothing the caller can do about them.
func (u *Upload) Release() {
	u.release.Do(func() {
		if err := os.Remove(u.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			u.log.Warnf("Failed to delete upload %v: %v", u.path, err)
		}
	})
}
