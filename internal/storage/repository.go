// Package storage contains backend-agnostic contracts for persisting run
// reports.
//
// A run report is the durable record of one partition-and-dispatch run: a
// summary row (input size, record counts, timings) plus one row per dispatched
// chunk. Backends register themselves with the factory in an init function;
// importing storage/all (blank import) enables every built-in backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config selects and configures a storage backend.
type Config struct {
	// Kind names the registered backend, e.g. "postgres" or "sqlite".
	Kind string

	// DSN is the backend-specific connection string.
	DSN string

	// Table is the base table name; backends derive report table names from
	// it (<table>_runs, <table>_chunks).
	Table string

	// AutoCreateTable creates the report tables via EnsureSchema before the
	// first SaveRun.
	AutoCreateTable bool
}

// ChunkRecord is the persisted outcome of one dispatched chunk.
type ChunkRecord struct {
	Worker   int
	Seq      int
	LinesIn  int
	BytesIn  int
	LinesOut int
	BytesOut int
	Digest   uint64
	OK       bool
	Error    string
	Duration time.Duration
}

// RunSummary is the persisted summary of one run.
type RunSummary struct {
	Job        string
	InputPath  string
	InputBytes int64
	Records    int64
	Devices    int64
	Workers    int
	Dispatched int64
	Returned   int64
	Lost       int64
	StartedAt  time.Time
	Duration   time.Duration
}

// Repository persists run reports.
type Repository interface {
	// EnsureSchema creates the report tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// SaveRun writes one summary row and its chunk rows atomically and
	// returns the backend-assigned run id.
	SaveRun(ctx context.Context, run RunSummary, chunks []ChunkRecord) (int64, error)

	// Close releases the underlying connections.
	Close()
}

// Factory constructs a Repository for a registered kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind. It is intended to be
// called from backend init functions.
func Register(kind string, fn Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = fn
}

// New constructs a Repository for cfg.Kind using the registered factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	factoriesMu.RLock()
	fn, ok := factories[cfg.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return fn(ctx, cfg)
}

// ListKinds returns the registered backend kinds in sorted order.
func ListKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
