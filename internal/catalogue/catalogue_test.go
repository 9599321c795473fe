package catalogue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n-r-w/addonsrv/internal/entity"
	"github.com/n-r-w/lg"
	"github.com/stretchr/testify/require"
)

func TestGetPutDeleteAreCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	s := New(lg.New(), dir, 6)

	rec := &entity.AddonRecord{Name: "Era_Of_Towers", Path: filepath.Join(dir, "Era_Of_Towers")}
	require.NoError(t, os.MkdirAll(rec.Path, 0o755))
	s.Put(rec)

	got, ok := s.Get("era_of_towers")
	require.True(t, ok)
	require.Equal(t, "Era_Of_Towers", got.Name)

	_, ok = s.Get("ERA_OF_TOWERS")
	require.True(t, ok)

	require.NoError(t, s.Delete("Era_of_Towers"))
	_, ok = s.Get("era_of_towers")
	require.False(t, ok)
}

func TestDeleteUnknownAddonFails(t *testing.T) {
	s := New(lg.New(), t.TempDir(), 6)
	require.Error(t, s.Delete("missing"))
}

func TestFlushWritesOnlyDirtyAddonsAndClearsDirtySet(t *testing.T) {
	dir := t.TempDir()
	s := New(lg.New(), dir, 6)

	recPath := filepath.Join(dir, "my_addon")
	require.NoError(t, os.MkdirAll(recPath, 0o755))
	s.Put(&entity.AddonRecord{Name: "my_addon", Path: recPath})

	require.NoError(t, s.Flush())

	cfgPath := filepath.Join(recPath, "addon.cfg")
	_, err := os.Stat(cfgPath)
	require.NoError(t, err)

	// a second flush with nothing dirty must not error and is a no-op.
	require.NoError(t, s.Flush())
}

func TestLoadReadsAddonsWrittenByFlush(t *testing.T) {
	dir := t.TempDir()
	s := New(lg.New(), dir, 6)
	recPath := filepath.Join(dir, "my_addon")
	require.NoError(t, os.MkdirAll(recPath, 0o755))
	s.Put(&entity.AddonRecord{Name: "my_addon", Title: "My Addon", Path: recPath})
	require.NoError(t, s.Flush())

	reloaded := New(lg.New(), dir, 6)
	require.NoError(t, reloaded.Load(nil))

	got, ok := reloaded.Get("my_addon")
	require.True(t, ok)
	require.Equal(t, "My Addon", got.Title)
}

func TestLoadOnMissingRootIsNotAnError(t *testing.T) {
	s := New(lg.New(), filepath.Join(t.TempDir(), "does-not-exist"), 6)
	require.NoError(t, s.Load(nil))
	require.Empty(t, s.List())
}
