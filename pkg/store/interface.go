// Package store provides account snapshot stores for the registry: an
// in-memory store for tests and a Redis-backed store for shared deployments.
package store

import (
	"context"
	"errors"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

var ErrClosed = errors.New("store: closed")

// AccountStore persists the complete account state. Save replaces whatever
// was stored before; Load returns accounts in the order they were saved.
// It satisfies registry.Persister.
type AccountStore interface {
	Save(ctx context.Context, accounts []model.Account) error
	Load(ctx context.Context) ([]model.Account, error)

	// Close releases the underlying connection.
	Close() error
}
