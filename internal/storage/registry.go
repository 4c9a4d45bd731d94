package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a store.
//
// When to use:
//   - Use Config when constructing a DB via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend opener; validation is backend-specific.
//
// Errors:
//   - Open returns ErrUnsupportedKind if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// ErrUnsupportedKind is returned by Open for an unknown backend kind.
var ErrUnsupportedKind = errors.New("storage: unsupported kind")

// Opener opens the backend's *sql.DB. It returns the dialect to use with it.
type Opener func(ctx context.Context, dsn string) (*sql.DB, Dialect, error)

var (
	openMu  sync.RWMutex
	openers = map[string]Opener{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f Opener) {
	openMu.Lock()
	defer openMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil opener")
	}
	if _, exists := openers[kind]; exists {
		panic(fmt.Sprintf("storage: opener already registered for kind=%q", kind))
	}
	openers[kind] = f
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	openMu.RLock()
	defer openMu.RUnlock()
	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs a DB using the registered backend opener.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the opener.
//
// Errors:
//   - Returns ErrUnsupportedKind if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered opener returns.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: missing database.kind", ErrUnsupportedKind)
	}

	openMu.RLock()
	f := openers[cfg.Kind]
	openMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: database.kind=%s", ErrUnsupportedKind, cfg.Kind)
	}
	raw, d, err := f(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Kind, err)
	}
	return NewDB(raw, d), nil
}
