package idempotency

import (
	"context"
	"fmt"
	"io"
)

// Open builds the store named by driver: memory, file, sqlite or postgres.
// The returned closer is never nil.
func Open(ctx context.Context, driver, path, dsn string) (Store, io.Closer, error) {
	switch driver {
	case "", "file":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, nopCloser{}, nil
	case "memory":
		return NewMemoryStore(), nopCloser{}, nil
	case "sqlite":
		s, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return s, closerFunc(func() error { s.Close(); return nil }), nil
	default:
		return nil, nopCloser{}, fmt.Errorf("unknown idempotency driver %q", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
