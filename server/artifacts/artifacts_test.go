package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cyclopcam/leafscan/server/storage"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type publicStorage struct {
	*storage.StorageFS
}

func (p publicStorage) URL(name string) (string, error) {
	return "https://cdn.example.com/" + name, nil
}

type brokenStorage struct {
	*storage.StorageFS
}

func (b brokenStorage) WriteFile(ctx context.Context, name string) (storage.Writer, error) {
	return nil, errors.New("disk full")
}

func newFS(t *testing.T) *storage.StorageFS {
	fs, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestPersist(t *testing.T) {
	fs := newFS(t)
	s := NewStore(logs.NewTestingLog(t), fs)
	a, err := s.Persist(context.Background(), "http://localhost:5000/", []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(a.Filename, "processed-"))
	require.True(t, strings.HasSuffix(a.Filename, ".jpeg"))
	require.Equal(t, "http://localhost:5000/uploads/processed_images/"+a.Filename, a.URL)

	b, err := os.ReadFile(filepath.Join(fs.Root, "processed_images", a.Filename))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, b)

	require.NoError(t, s.Delete(context.Background(), a))
	_, err = os.Stat(filepath.Join(fs.Root, "processed_images", a.Filename))
	require.True(t, os.IsNotExist(err))
}

func TestPublicURL(t *testing.T) {
	s := NewStore(logs.NewTestingLog(t), publicStorage{newFS(t)})
	require.Equal(t, "https://cdn.example.com/processed_images/abc.jpeg", s.URL("http://ignored", "abc.jpeg"))
}

func TestPersistFailure(t *testing.T) {
	s := NewStore(logs.NewTestingLog(t), brokenStorage{newFS(t)})
	_, err := s.Persist(context.Background(), "http://x", []byte{1})
	require.ErrorIs(t, err, ErrStorageWriteFailed)
}

func TestUniqueFilenames(t *testing.T) {
	lock := sync.Mutex{}
	names := map[string]bool{}
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := NewFilename()
			lock.Lock()
			names[n] = true
			lock.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, len(names))
}
