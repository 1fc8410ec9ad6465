package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(zerolog.Nop(), filepath.Join(t.TempDir(), "data", "session.json"))
	require.NoError(t, err)
	return store
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	ptr := SessionPointer{
		SessionID: 1748800800000,
		StartedAt: 1748800800000,
		Seed:      "6f1d2a9c4b8e03571122334455667788",
	}
	require.NoError(t, store.Save(ptr))

	loaded := store.Load()
	require.NotNil(t, loaded)
	require.Equal(t, ptr, *loaded)
}

func TestLoadMissingFile(t *testing.T) {
	store := newTestStore(t)
	require.Nil(t, store.Load())
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := NewFileStore(zerolog.Nop(), path)
	require.NoError(t, err)
	require.Nil(t, store.Load())
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(SessionPointer{SessionID: 1, StartedAt: 1}))
	require.NoError(t, store.Save(SessionPointer{SessionID: 2, StartedAt: 2, Finalized: true}))

	loaded := store.Load()
	require.NotNil(t, loaded)
	require.EqualValues(t, 2, loaded.SessionID)
	require.True(t, loaded.Finalized)
}

func TestClearIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(SessionPointer{SessionID: 1, StartedAt: 1}))
	require.NoError(t, store.Clear())
	require.Nil(t, store.Load())
	require.NoError(t, store.Clear())
}
