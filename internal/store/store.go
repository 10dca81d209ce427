// Package store holds the persistence adapters behind the audit log: an
// append-only JSONL file, a SQLite table, an in-memory list, and a
// retrying wrapper that queues entries while the backend is unavailable.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gzhole/consentgate/internal/audit"
)

var (
	ErrClosed         = errors.New("store is closed")
	ErrQueueFull      = errors.New("retry queue is full")
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Store is a durable, append-ordered home for audit entries.
type Store interface {
	audit.Sink
	Load(ctx context.Context) ([]audit.Entry, error)
	Close() error
}

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string
	DSN      string
	MaxBytes int64
}

// Open builds the backend named in opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendJSONL:
		return NewJSONL(opts.Path, opts.MaxBytes)
	case BackendSQLite:
		return OpenSQLite(opts.DSN)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// Memory keeps entries in process. It is the backend for tests and for
// hosts that persist elsewhere.
type Memory struct {
	mu      sync.Mutex
	entries []audit.Entry
	closed  bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e.Payload = append([]byte(nil), e.Payload...)
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Load(context.Context) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
