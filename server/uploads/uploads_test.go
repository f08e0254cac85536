package uploads

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestSaveAndRelease(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tmp")
	d, err := NewDir(logs.NewTestingLog(t), root, time.Minute)
	require.NoError(t, err)

	u, err := d.Save(bytes.NewReader([]byte("leaf")), "IMG_0001.JPG", 100)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(u.Name(), ".jpg"))
	require.True(t, u.Exists())
	b, err := u.ReadAll()
	require.NoError(t, err)
	require.Equal(t, "leaf", string(b))

	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Release()
		}()
	}
	wg.Wait()
	require.False(t, u.Exists())
}

func TestSaveTooLarge(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(logs.NewTestingLog(t), root, time.Minute)
	require.NoError(t, err)
	_, err = d.Save(bytes.NewReader(make([]byte, 101)), "a.png", 100)
	require.ErrorIs(t, err, ErrTooLarge)
	all, _ := os.ReadDir(root)
	require.Equal(t, 0, len(all))
}

func TestWipeOnStart(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale"), []byte("x"), 0644))
	_, err := NewDir(logs.NewTestingLog(t), root, time.Minute)
	require.NoError(t, err)
	all, _ := os.ReadDir(root)
	require.Equal(t, 0, len(all))
}

func TestCleanOld(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(logs.NewTestingLog(t), root, time.Minute)
	require.NoError(t, err)
	old, err := d.Save(bytes.NewReader([]byte("a")), "old.png", 0)
	require.NoError(t, err)
	fresh, err := d.Save(bytes.NewReader([]byte("b")), "new.png", 0)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old.Name(), past, past))
	d.cleanOld()
	require.False(t, old.Exists())
	require.True(t, fresh.Exists())
}

func TestUnsafeExtension(t *testing.T) {
	d, err := NewDir(logs.NewTestingLog(t), t.TempDir(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, d.Root, filepath.Dir(d.newFilename("../../evil")))
	require.False(t, strings.HasSuffix(d.newFilename("a.verylongextension"), "extension"))
}
