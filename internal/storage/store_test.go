package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhmv/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	session := []byte(`{"isAuthenticated":true,"servers":[]}`)
	require.NoError(t, s.Set(ctx, "plex_auth_state", session))
	require.NoError(t, s.Set(ctx, "plex_client_identifier", []byte("yhmv-linux-1700000000000-abcd1234")))
	require.NoError(t, s.Set(ctx, "quoted", []byte(`"already json"`)))

	got, ok, err := s.Get(ctx, "plex_auth_state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(session), string(got))

	got, ok, err = s.Get(ctx, "plex_client_identifier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yhmv-linux-1700000000000-abcd1234", string(got))

	got, _, err = s.Get(ctx, "quoted")
	require.NoError(t, err)
	assert.Equal(t, `"already json"`, string(got))

	require.NoError(t, s.Set(ctx, "plex_auth_state", []byte(`{"isAuthenticated":false}`)))
	got, _, err = s.Get(ctx, "plex_auth_state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"isAuthenticated":false}`, string(got))

	require.NoError(t, s.Delete(ctx, "plex_auth_state", "plex_servers_cache"))
	_, ok, err = s.Get(ctx, "plex_auth_state")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "plex_client_identifier")
	require.NoError(t, err)
	assert.True(t, ok, "unrelated keys survive delete")
}

func TestFileStore(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s, err := NewFileStore(fsys, "/data/state.json")
	require.NoError(t, err)
	exerciseStore(t, s)

	// a fresh store over the same fs sees persisted values
	reopened, err := NewFileStore(fsys, "/data/state.json")
	require.NoError(t, err)
	got, ok, err := reopened.Get(context.Background(), "plex_client_identifier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yhmv-linux-1700000000000-abcd1234", string(got))

	exists, err := afero.Exists(fsys, "/data/state.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStoreHonoursCancelledContext(t *testing.T) {
	s, err := NewFileStore(afero.NewMemMapFs(), "state.json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(context.Background(), config.StorageSettings{Driver: "sqlite", Path: dir})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), config.StorageSettings{Driver: "file", Path: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(context.Background(), config.StorageSettings{Driver: "redis"})
	assert.Error(t, err)
}
