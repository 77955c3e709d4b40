// Package idempotency stores the first response produced for a client key so
// retried mutations (a double-clicked release, a resent approve) replay it
// instead of hitting the backend again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record holds a stored response.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence. Get returns nil, nil for missing
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// ErrKeyReused is returned when a key comes back with a different payload.
var ErrKeyReused = errors.New("idempotency key reused with a different payload")

// Fingerprint hashes the parts that make a request unique.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup fetches key and checks it belongs to the same request.
func Lookup(ctx context.Context, store Store, key, fingerprint string) (*Record, error) {
	rec, err := store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Fingerprint != "" && fingerprint != "" && rec.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return rec, nil
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	now := time.Now()
	for k, rec := range f.data {
		if rec.Expired(now) {
			delete(f.data, k)
		}
	}
	return nil
}

// persist writes through a temp file so a crash never leaves half a file.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.Expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.data {
		if rec.Expired(now) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (f *FileStore) Purge(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, rec := range f.data {
		if rec.Expired(now) {
			delete(f.data, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}
