package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posmux/posmux/pkg/position"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "posmux", "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")

	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, path, store.Path())
}

func TestLoadFixEmptyStore(t *testing.T) {
	store := openTestStore(t)

	fix, err := store.LoadFix()
	require.NoError(t, err)
	assert.Nil(t, fix)
}

func TestSaveAndLoadFix(t *testing.T) {
	store := openTestStore(t)

	pos, err := position.New(48.1173, 11.5167, 12)
	require.NoError(t, err)
	saved := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveFix(pos, "hostapp", saved))

	fix, err := store.LoadFix()
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, pos, fix.Position)
	assert.Equal(t, "hostapp", fix.Source)
	assert.True(t, saved.Equal(fix.SavedAt))
}

func TestSaveFixReplacesPrevious(t *testing.T) {
	store := openTestStore(t)

	first, err := position.New(48.0, 11.0, 10)
	require.NoError(t, err)
	second, err := position.New(51.5, -0.12, 20)
	require.NoError(t, err)

	require.NoError(t, store.SaveFix(first, "hostapp", time.Now()))
	require.NoError(t, store.SaveFix(second, "platform", time.Now()))

	fix, err := store.LoadFix()
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, second, fix.Position)
	assert.Equal(t, "platform", fix.Source)
}

func TestSaveFixDefaultsTimestamp(t *testing.T) {
	store := openTestStore(t)

	pos, err := position.New(1, 2, 10)
	require.NoError(t, err)
	require.NoError(t, store.SaveFix(pos, "nmea", time.Time{}))

	fix, err := store.LoadFix()
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.False(t, fix.SavedAt.IsZero())
}

func TestFixSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := Open(path, nil)
	require.NoError(t, err)

	pos, err := position.New(35.676422, 139.650109, 8)
	require.NoError(t, err)
	require.NoError(t, store.SaveFix(pos, "hostapp", time.Now()))
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	fix, err := reopened.LoadFix()
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.InDelta(t, 35.676422, fix.Position.Latitude, 1e-9)
	assert.InDelta(t, 139.650109, fix.Position.Longitude, 1e-9)
}
