package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	AccountWriteProvider
	Rollback() error
	Commit() error
}

// DataStore defines the read side of account persistence. Writes go through
// a transaction so a snapshot is replaced all at once.
type DataStore interface {
	AccountReadProvider
	Close() error
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type AccountReadProvider interface {
	// ListAccounts returns every account in registration order, friends in
	// insertion order.
	ListAccounts(ctx context.Context) ([]model.Account, error)
	CountAccounts(ctx context.Context) (int, error)
}

type AccountWriteProvider interface {
	// ReplaceAccounts deletes the stored state and inserts accounts.
	ReplaceAccounts(ctx context.Context, accounts []model.Account) error
	// StampSnapshot records when the snapshot was written and bumps its revision.
	StampSnapshot(ctx context.Context, at time.Time) error
}
