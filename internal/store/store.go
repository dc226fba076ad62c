// Package store persists run records. Backends: in-memory, sqlite, postgres
// and redis.
package store

import (
	"context"
	"fmt"

	"github.com/ispchecker/ispchecker/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = model.ErrNotFound

// Store is the storage collaborator of the checker. Save is an upsert keyed
// by RunID. List returns records newest first.
type Store interface {
	Save(ctx context.Context, rec model.Record) error
	Fetch(ctx context.Context, runID string) (model.Record, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]model.Record, error)
	Delete(ctx context.Context, runID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Filter narrows List, empty fields match everything.
type Filter struct {
	Target string
	Owner  string
}

func (f Filter) match(rec model.Record) bool {
	return (f.Target == "" || f.Target == rec.Target) &&
		(f.Owner == "" || f.Owner == rec.Owner)
}

// Open returns a Store for driver. prefix namespaces redis keys and is
// ignored by the other backends.
func Open(ctx context.Context, driver, dsn, prefix string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	case "redis":
		return OpenRedis(ctx, dsn, prefix)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
