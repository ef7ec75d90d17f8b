package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/middletrust/escrowd/internal/money"
)

// PostgresStore persists transactions in PostgreSQL. Optimistic writes
// use an UPDATE guarded by the version column; a zero-row update against
// an existing row means another writer won the race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table if it doesn't exist. Production
// deployments run the goose migrations instead; this covers tests and
// ad-hoc environments.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,
			creator_id      TEXT NOT NULL,
			creator_role    TEXT NOT NULL,
			participant_id  TEXT,
			amount          BIGINT NOT NULL CHECK (amount > 0),
			description     TEXT NOT NULL DEFAULT '',
			bank_code       TEXT NOT NULL DEFAULT '',
			account_number  TEXT NOT NULL DEFAULT '',
			account_name    TEXT NOT NULL DEFAULT '',
			chatroom_id     TEXT,
			status          TEXT NOT NULL,
			payer_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			payee_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			locked          BOOLEAN NOT NULL DEFAULT FALSE,
			locked_amount   BIGINT NOT NULL DEFAULT 0 CHECK (locked_amount >= 0),
			funded          BOOLEAN NOT NULL DEFAULT FALSE,
			payout_released BOOLEAN NOT NULL DEFAULT FALSE,
			payout_ref      TEXT NOT NULL DEFAULT '',
			payout_error    TEXT NOT NULL DEFAULT '',
			payer_id        TEXT,
			payee_id        TEXT,
			external_ref    TEXT,
			version         BIGINT NOT NULL DEFAULT 1,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_chatroom
			ON transactions(chatroom_id) WHERE chatroom_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref
			ON transactions(external_ref) WHERE external_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_transactions_status_created
			ON transactions(status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate transactions table: %w", err)
	}
	return nil
}

const txColumns = `id, creator_id, creator_role, participant_id, amount, description,
	bank_code, account_number, account_name, chatroom_id, status,
	payer_confirmed, payee_confirmed, locked, locked_amount, funded,
	payout_released, payout_ref, payout_error, payer_id, payee_id,
	external_ref, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		tx.ID, tx.CreatorID, string(tx.CreatorRole), nullString(tx.ParticipantID),
		int64(tx.Amount), tx.Description,
		tx.Payout.BankCode, tx.Payout.AccountNumber, tx.Payout.AccountName,
		nullString(tx.ChatroomID), string(tx.Status),
		tx.PayerConfirmed, tx.PayeeConfirmed, tx.Locked, int64(tx.LockedAmount), tx.Funded,
		tx.PayoutReleased, tx.PayoutRef, tx.PayoutError,
		nullString(tx.PayerID), nullString(tx.PayeeID), nullString(tx.ExternalRef),
		tx.Version, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByChatroom(ctx context.Context, chatroomID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE chatroom_id = $1`, chatroomID)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE external_ref = $1`, reference)
	return scanTransaction(row)
}

func (p *PostgresStore) UpdateCAS(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			participant_id = $1, status = $2,
			payer_confirmed = $3, payee_confirmed = $4,
			locked = $5, locked_amount = $6, funded = $7,
			payout_released = $8, payout_ref = $9, payout_error = $10,
			payer_id = $11, payee_id = $12, external_ref = $13,
			version = version + 1, updated_at = $14
		WHERE id = $15 AND version = $16`,
		nullString(tx.ParticipantID), string(tx.Status),
		tx.PayerConfirmed, tx.PayeeConfirmed,
		tx.Locked, int64(tx.LockedAmount), tx.Funded,
		tx.PayoutReleased, tx.PayoutRef, tx.PayoutError,
		nullString(tx.PayerID), nullString(tx.PayeeID), nullString(tx.ExternalRef),
		tx.UpdatedAt, tx.ID, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE creator_id = $1 OR participant_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND funded = FALSE AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`, string(StatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListAwaitingExternal(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND funded = FALSE AND external_ref IS NOT NULL AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`, string(StatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list awaiting-external transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx                                              Transaction
		role, status                                    string
		participant, chatroom, payer, payee, ref        sql.NullString
		amount, lockedAmount                            int64
	)
	err := row.Scan(
		&tx.ID, &tx.CreatorID, &role, &participant, &amount, &tx.Description,
		&tx.Payout.BankCode, &tx.Payout.AccountNumber, &tx.Payout.AccountName,
		&chatroom, &status,
		&tx.PayerConfirmed, &tx.PayeeConfirmed, &tx.Locked, &lockedAmount, &tx.Funded,
		&tx.PayoutReleased, &tx.PayoutRef, &tx.PayoutError,
		&payer, &payee, &ref, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.CreatorRole = Role(role)
	tx.Status = Status(status)
	tx.Amount = money.Amount(amount)
	tx.LockedAmount = money.Amount(lockedAmount)
	tx.ParticipantID = participant.String
	tx.ChatroomID = chatroom.String
	tx.PayerID = payer.String
	tx.PayeeID = payee.String
	tx.ExternalRef = ref.String
	return &tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
