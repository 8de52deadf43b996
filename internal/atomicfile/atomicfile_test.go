package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")

	require.NoError(t, Write(path, []byte("v1")))
	require.NoError(t, Write(path, []byte("v2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left")
}

func TestWrite_DirIsFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := Write(filepath.Join(blocker, "state.json"), []byte("x"))
	assert.Error(t, err)
}

func TestLocker_ExcludesSecondHandle(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	a, b := NewLocker(path), NewLocker(path)

	require.NoError(t, a.Lock())
	_, err := os.Stat(path + ".lock")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		if err := b.Lock(); err == nil {
			close(acquired)
			b.Unlock()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second handle acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	a.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second handle never acquired the released lock")
	}
}
