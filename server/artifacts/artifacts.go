// Package artifacts stores the processed images that we keep after an analysis
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cyclopcam/leafscan/server/storage"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// ProcessedPrefix is the storage directory of processed images
const ProcessedPrefix = "processed_images"

// UploadsRoute is the HTTP path under which the filesystem store is served
const UploadsRoute = "uploads"

var ErrStorageWriteFailed = errors.New("Failed to store processed image")

// Artifact is an image that has been durably written
type Artifact struct {
	Filename string // eg "processed-1711111111111111111-3b1f....jpeg"
	Name     string // Storage name, eg "processed_images/processed-....jpeg"
	URL      string // Absolute URL at which clients can fetch the image
}

type Store struct {
	log     logs.Log
	storage storage.Storage
}

func NewStore(log logs.Log, storage storage.Storage) *Store {
	return &Store{
		log:     log,
		storage: storage,
	}
}

// Generate a filename that is unique, even for concurrent requests that arrive in the same nanosecond
func NewFilename() string {
	return fmt.Sprintf("processed-%d-%v.jpeg", time.Now().UnixNano(), uuid.NewString())
}

// URL returns the address at which clients can fetch 'filename'.
// If the storage backend has public URLs, we use those. Otherwise we assume that
// the storage root is served by us, under /uploads/.
func (s *Store) URL(baseURL, filename string) string {
	name := ProcessedPrefix + "/" + filename
	if u, err := s.storage.URL(name); err == nil {
		return u
	}
	return strings.TrimRight(baseURL, "/") + "/" + UploadsRoute + "/" + ProcessedPrefix + "/" + url.PathEscape(filename)
}

// Persist writes a JPEG to permanent storage. On failure, nothing is left behind.
func (s *Store) Persist(ctx context.Context, baseURL string, jpeg []byte) (*Artifact, error) {
	filename := NewFilename()
	name := ProcessedPrefix + "/" + filename
	a := &Artifact{
		Filename: filename,
		Name:     name,
		URL:      s.URL(baseURL, filename),
	}
	if err := storage.WriteFile(ctx, s.storage, name, bytes.NewReader(jpeg)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	s.log.Debugf("Stored %v (%v bytes)", name, len(jpeg))
	return a, nil
}

// Delete an artifact that was persisted, but never recorded
func (s *Store) Delete(ctx context.Context, a *Artifact) error {
	return s.storage.DeleteFile(ctx, a.Name)
}
