// Package storage provides the durable key-value store backing the persisted
// auth session, device identity and server cache.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"yhmv/config"
)

// Store is an async-safe key-value store of opaque byte values.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageSettings) (Store, error) {
	dir := cfg.Path
	if dir == "" {
		dir = "."
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "file":
		return NewFileStore(afero.NewOsFs(), filepath.Join(dir, "state.json"))
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, filepath.Join(dir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
