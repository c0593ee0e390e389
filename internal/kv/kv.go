// Package kv is the durable string key-value capability the chat session
// persists its identity and conversation state through.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/soyeahso/porchlight/internal/config"
	"github.com/soyeahso/porchlight/internal/logging"
	"github.com/soyeahso/porchlight/internal/store"
)

var (
	// ErrUnknownDriver is returned by Open for an unsupported storage driver.
	ErrUnknownDriver = errors.New("unknown storage driver")
	// ErrCorrupt wraps GetJSON failures to decode a stored value, as opposed
	// to failures of the store itself.
	ErrCorrupt = errors.New("corrupt value")
)

// Store is a synchronous string-keyed store. A missing key is reported by
// ok=false, not an error.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// GetJSON decodes the value at key into v. It reports false when the key
// is absent.
func GetJSON(s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("%w at %s: %w", ErrCorrupt, key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(key, string(data))
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Handle is an opened Store plus whatever must be released on shutdown.
// DB is set for the sqlite driver.
type Handle struct {
	Store
	DB    *store.DB
	close func() error
}

// Close releases the underlying database, if any.
func (h *Handle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// Open builds the Store selected by cfg. path is the resolved database
// file for the sqlite driver.
func Open(cfg config.StorageConfig, path string, log *logging.Logger) (*Handle, error) {
	switch cfg.Driver {
	case "", "sqlite":
		db, err := store.Open(path, log)
		if err != nil {
			return nil, err
		}
		return &Handle{Store: NewSQLite(db), DB: db, close: db.Close}, nil
	case "memory":
		return &Handle{Store: NewMemory()}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}
