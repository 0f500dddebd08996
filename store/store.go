package store

import (
	"context"
	"log/slog"
	"time"
)

// Store is the local storage collaborator: synchronous string values
// scoped by a table name. Implementations must be safe for concurrent
// use; callers treat writes as local and fast, not network I/O.
type Store interface {
	Get(table, key string) (string, error)
	Put(table, key, value string) error
	Delete(table, key string) error

	Close() error
}

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	AppCtx         context.Context
	CacheTTL       time.Duration
}
