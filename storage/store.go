// Package storage provides the key-value store behind the authorization
// cache, the public-key cache and the simulator's cleartext ledger.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zenchain/fhevm/types"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Store is a namespaced string-keyed blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Open builds the backend selected by cfg.
func Open(cfg types.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.DSN)
	case "sqlite":
		return OpenSQLiteStore(cfg.DSN)
	case "redis":
		return NewRedisStoreFromURL(cfg.DSN)
	default:
		return nil, types.NewError(types.ErrCodeConfig, nil, "unknown storage backend %q", cfg.Backend)
	}
}

func wrap(op, key string, err error) error {
	return fmt.Errorf("storage %s %q: %w", op, key, err)
}
