package credstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.db")
	store, err := Open(path, []byte("test-passphrase"), []byte("agent-1"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set(KeyBearerToken, "access-1"))
	got, err := store.Get(KeyBearerToken)
	require.NoError(t, err)
	require.Equal(t, "access-1", got)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(KeyRefreshToken)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSetOverwritesExistingValue(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set(KeyBearerToken, "first"))
	require.NoError(t, store.Set(KeyBearerToken, "second"))

	got, err := store.Get(KeyBearerToken)
	require.NoError(t, err)
	require.Equal(t, "second", got)
}

func TestDeleteRemovesValue(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set(KeyBearerToken, "access-1"))

	require.NoError(t, store.Delete(KeyBearerToken))

	_, err := store.Get(KeyBearerToken)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteOfUnsetKeyIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Delete(KeySharedSecret))
}

func TestValuesPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	store, err := Open(path, []byte("pass"), []byte("salt"))
	require.NoError(t, err)
	require.NoError(t, store.Set(KeyBearerToken, "access-1"))
	require.NoError(t, store.Close())

	reopened, err := Open(path, []byte("pass"), []byte("salt"))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(KeyBearerToken)
	require.NoError(t, err)
	require.Equal(t, "access-1", got)
}

func TestWrongPassphraseFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	store, err := Open(path, []byte("correct-passphrase"), []byte("salt"))
	require.NoError(t, err)
	require.NoError(t, store.Set(KeyBearerToken, "access-1"))
	require.NoError(t, store.Close())

	reopened, err := Open(path, []byte("wrong-passphrase"), []byte("salt"))
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(KeyBearerToken)
	require.Error(t, err)
}
