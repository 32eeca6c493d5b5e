// Package datastore provides SQLite-backed persistence for account snapshots.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out transactional and non-transactional views of
// one SQLite database.
type ProviderFactory struct {
	DB  *sql.DB
	now func() time.Time
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

// Save replaces the stored snapshot inside one transaction.
func (s *ProviderFactory) Save(ctx context.Context, accounts []model.Account) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	if err := tx.ReplaceAccounts(ctx, accounts); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.StampSnapshot(ctx, s.now()); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

// Load returns the stored snapshot.
func (s *ProviderFactory) Load(ctx context.Context) ([]model.Account, error) {
	return s.NonTx().ListAccounts(ctx)
}

// LastSaved returns when the snapshot was last written and its revision.
func (s *ProviderFactory) LastSaved(ctx context.Context) (time.Time, int64, error) {
	var (
		savedAt  sql.NullString
		revision int64
	)
	err := s.DB.QueryRowContext(ctx, "SELECT saved_at, revision FROM snapshot_meta LIMIT 1").Scan(&savedAt, &revision)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("datastore: read snapshot meta: %w", err)
	}
	if !savedAt.Valid {
		return time.Time{}, revision, nil
	}
	t, err := parseDBTime(savedAt.String)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("datastore: parse saved_at: %w", err)
	}
	return t, revision, nil
}

// SnapshotInfo describes what is on disk.
type SnapshotInfo struct {
	SavedAt  time.Time // zero if never saved
	Revision int64
	Accounts int
}

// Info reports the snapshot's age, revision and size.
func (s *ProviderFactory) Info(ctx context.Context) (SnapshotInfo, error) {
	savedAt, revision, err := s.LastSaved(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}
	n, err := s.NonTx().CountAccounts(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}
	return SnapshotInfo{SavedAt: savedAt, Revision: revision, Accounts: n}, nil
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		username    TEXT    PRIMARY KEY CHECK(length(username) > 0 AND length(username) <= 32),
		position    INTEGER NOT NULL,
		secret_hash BLOB    NOT NULL,
		salt        BLOB    NOT NULL,
		points      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS friendships (
		username TEXT    NOT NULL REFERENCES accounts(username) ON DELETE CASCADE,
		friend   TEXT    NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (username, friend)
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE TABLE IF NOT EXISTS snapshot_meta (saved_at TEXT, revision INTEGER NOT NULL DEFAULT 0)",
				"INSERT INTO snapshot_meta (saved_at, revision) SELECT NULL, 0 WHERE NOT EXISTS (SELECT 1 FROM snapshot_meta)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Accounts ----

func (p *baseProvider) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := p.QueryContext(ctx,
		"SELECT username, secret_hash, salt, points FROM accounts ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	index := make(map[string]int)
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.Username, &a.SecretHash, &a.Salt, &a.Points); err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		a.Friends = []string{}
		index[a.Username] = len(accounts)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}

	frows, err := p.QueryContext(ctx,
		"SELECT username, friend FROM friendships ORDER BY username, position")
	if err != nil {
		return nil, fmt.Errorf("datastore: list friendships: %w", err)
	}
	defer func() { _ = frows.Close() }()

	for frows.Next() {
		var owner, friend string
		if err := frows.Scan(&owner, &friend); err != nil {
			return nil, fmt.Errorf("datastore: scan friendship: %w", err)
		}
		i, ok := index[owner]
		if !ok {
			continue
		}
		accounts[i].Friends = append(accounts[i].Friends, friend)
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list friendships: %w", err)
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	return accounts, nil
}

func (p *baseProvider) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := p.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		return 0, fmt.Errorf("datastore: count accounts: %w", err)
	}
	return n, nil
}

func (p *txProvider) ReplaceAccounts(ctx context.Context, accounts []model.Account) error {
	if _, err := p.ExecContext(ctx, "DELETE FROM friendships"); err != nil {
		return fmt.Errorf("datastore: clear friendships: %w", err)
	}
	if _, err := p.ExecContext(ctx, "DELETE FROM accounts"); err != nil {
		return fmt.Errorf("datastore: clear accounts: %w", err)
	}

	for i, a := range accounts {
		hash, salt := a.SecretHash, a.Salt
		if hash == nil {
			hash = []byte{}
		}
		if salt == nil {
			salt = []byte{}
		}
		if _, err := p.ExecContext(ctx,
			"INSERT INTO accounts (username, position, secret_hash, salt, points) VALUES (?, ?, ?, ?, ?)",
			a.Username, i, hash, salt, a.Points); err != nil {
			return fmt.Errorf("datastore: insert account %q: %w", a.Username, err)
		}
	}
	for _, a := range accounts {
		for j, f := range a.Friends {
			if _, err := p.ExecContext(ctx,
				"INSERT INTO friendships (username, friend, position) VALUES (?, ?, ?)",
				a.Username, f, j); err != nil {
				return fmt.Errorf("datastore: insert friendship %q-%q: %w", a.Username, f, err)
			}
		}
	}
	return nil
}

func (p *txProvider) StampSnapshot(ctx context.Context, at time.Time) error {
	if _, err := p.ExecContext(ctx,
		"UPDATE snapshot_meta SET saved_at = ?, revision = revision + 1", formatDBTime(at)); err != nil {
		return fmt.Errorf("datastore: stamp snapshot: %w", err)
	}
	return nil
}
