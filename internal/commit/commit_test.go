package commit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "addon.cfg")

	require.NoError(t, WriteFile(dest, []byte("hello")))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful commit")
}

func TestCloseWithoutCommitLeavesDestinationUntouched(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "addon.cfg")
	require.NoError(t, WriteFile(dest, []byte("original")))

	f, err := New(dest)
	require.NoError(t, err)
	_, err = f.Write([]byte("never committed"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
}

func TestCleanupOrphansRemovesLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, "addon.cfg.tmp-123")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))

	require.NoError(t, CleanupOrphans(dir))

	_, err := os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}
