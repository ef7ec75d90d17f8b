package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/middletrust/escrowd/internal/idgen"
	"github.com/middletrust/escrowd/internal/money"
)

// PostgresStore persists wallets and ledger entries in PostgreSQL.
//
// Atomicity comes from a single db transaction per operation plus two
// schema-level guards: a unique index on (owner_id, reference) and a
// CHECK constraint keeping balance non-negative.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

// Migrate creates the wallet tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			owner_id        VARCHAR(64) PRIMARY KEY,
			balance         BIGINT NOT NULL DEFAULT 0,
			total_deposits  BIGINT NOT NULL DEFAULT 0,
			currency        VARCHAR(3) NOT NULL,
			virtual_account VARCHAR(64),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_entries (
			id             VARCHAR(36) PRIMARY KEY,
			owner_id       VARCHAR(64) NOT NULL,
			type           VARCHAR(10) NOT NULL,
			amount         BIGINT NOT NULL,
			reference      VARCHAR(255) NOT NULL,
			status         VARCHAR(10) NOT NULL,
			purpose        VARCHAR(100),
			transaction_id VARCHAR(36),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_owner_ref ON wallet_entries(owner_id, reference);
		CREATE INDEX IF NOT EXISTS idx_entries_owner ON wallet_entries(owner_id);
		CREATE INDEX IF NOT EXISTS idx_entries_created ON wallet_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, ownerID string) (*Wallet, error) {
	w := &Wallet{OwnerID: ownerID}
	var virtualAccount sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_deposits, currency, virtual_account, created_at, updated_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.Balance, &w.TotalDeposits, &w.Currency, &virtualAccount, &w.CreatedAt, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		now := time.Now()
		return &Wallet{OwnerID: ownerID, Currency: p.currency, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}
	w.VirtualAccount = virtualAccount.String
	return w, nil
}

// Credit adds funds to a wallet, provisioning it on first use.
func (p *PostgresStore) Credit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The unique index on (owner_id, reference) rejects replays before
	// any balance change happens.
	entry, err := insertEntry(ctx, tx, ownerID, EntryDeposit, amount, reference, meta)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, balance, total_deposits, currency, created_at, updated_at)
		VALUES ($1, $2, $2, $3, NOW(), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			balance        = wallets.balance + $2,
			total_deposits = wallets.total_deposits + $2,
			updated_at     = NOW()
	`, ownerID, int64(amount), p.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes funds from a wallet. The WHERE balance >= amount guard and
// the CHECK constraint together prevent overdraft under concurrency.
func (p *PostgresStore) Debit(ctx context.Context, ownerID string, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := insertEntry(ctx, tx, ownerID, EntryWithdrawal, amount, reference, meta)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE owner_id = $1 AND balance >= $2
	`, ownerID, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Missing wallet debits the same as a zero balance.
		return nil, ErrInsufficientFunds
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *PostgresStore) History(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, type, amount, reference, status, purpose, transaction_id, created_at
		FROM wallet_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) FindByReference(ctx context.Context, ownerID, reference string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, type, amount, reference, status, purpose, transaction_id, created_at
		FROM wallet_entries
		WHERE owner_id = $1 AND reference = $2
	`, ownerID, reference)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, ownerID string, typ EntryType, amount money.Amount, reference string, meta Metadata) (*Entry, error) {
	entry := &Entry{
		ID:            idgen.WithPrefix("ent_"),
		OwnerID:       ownerID,
		Type:          typ,
		Amount:        amount,
		Reference:     reference,
		Status:        EntryCompleted,
		Purpose:       meta.Purpose,
		TransactionID: meta.TransactionID,
		CreatedAt:     time.Now(),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, owner_id, type, amount, reference, status, purpose, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OwnerID, string(entry.Type), int64(entry.Amount), entry.Reference,
		string(entry.Status), nullString(entry.Purpose), nullString(entry.TransactionID), entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var purpose, transactionID sql.NullString
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Type, &e.Amount, &e.Reference, &e.Status,
		&purpose, &transactionID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Purpose = purpose.String
	e.TransactionID = transactionID.String
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
