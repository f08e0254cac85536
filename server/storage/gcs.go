package storage

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

func NewStorageGCS(log logs.Log, bucketName string, isPublic bool) (*StorageGCS, error) {
	ctx := context.Background()
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	bucket := client.Bucket(bucketName)
	return &StorageGCS{
		bucketName: bucketName,
		bucket:     bucket,
		isPublic:   isPublic,
		log:        log,
	}, nil
}

// GCS only makes an object visible once the writer is closed successfully.
// Cancelling the writer's context discards the upload.
type gcsWriter struct {
	*gcs.Writer
	cancel context.CancelFunc
}

func (w *gcsWriter) Close() error {
	err := w.Writer.Close()
	w.cancel()
	return err
}

func (w *gcsWriter) Abort() {
	w.cancel()
	w.Writer.Close()
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (Writer, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "image/jpeg"
	return &gcsWriter{
		Writer: w,
		cancel: cancel,
	}, nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	return s.bucket.Object(name).Delete(ctx)
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		// We could also use signed URLs, but I haven't bothered with that yet
		return "", ErrNoPublicUrl
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + name, nil
}
