package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	key := "release:req-pg"
	rec := Record{
		StatusCode:  200,
		Response:    []byte(`{"buyerTx":"0x1"}`),
		Fingerprint: Fingerprint("POST", "/api/v1/escrow/req-pg/release"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.StatusCode, got.StatusCode)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)

	_, err = store.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, got)
}
