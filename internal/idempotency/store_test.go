package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, rec)

	record := Record{
		StatusCode: 200,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, "abc", record))

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, "ok", string(got.Response))
}

func TestMemoryStoreDropsExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "old", Record{
		StatusCode: 200,
		CreatedAt:  time.Now().Add(-time.Hour),
		ExpiresAt:  time.Now().Add(-time.Minute),
	}))

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "idem.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	record := Record{
		StatusCode: 200,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Save(ctx, "key", record))

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, "resp", string(got.Response))
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path)
	require.Error(t, err)
}

func TestLookupDetectsReusedKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "k", Record{
		StatusCode:  200,
		Fingerprint: Fingerprint("POST", "/release/r1"),
		ExpiresAt:   time.Now().Add(time.Minute),
	}))

	rec, err := Lookup(ctx, store, "k", Fingerprint("POST", "/release/r1"))
	require.NoError(t, err)
	require.NotNil(t, rec)

	_, err = Lookup(ctx, store, "k", Fingerprint("POST", "/release/r2"))
	require.ErrorIs(t, err, ErrKeyReused)

	rec, err = Lookup(ctx, store, "absent", "")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestFingerprintSeparatesParts(t *testing.T) {
	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	require.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	store, closer, err := Open(ctx, "memory", "", "")
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, store)
	require.NoError(t, closer.Close())

	store, closer, err = Open(ctx, "", filepath.Join(t.TempDir(), "idem.json"), "")
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, store)
	require.NoError(t, closer.Close())

	_, closer, err = Open(ctx, "redis", "", "")
	require.Error(t, err)
	require.NotNil(t, closer)

	_, _, err = Open(ctx, "postgres", "", "")
	require.Error(t, err)
}
