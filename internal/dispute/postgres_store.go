package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. The partial unique
// index on open disputes is what enforces one-open-dispute-per-
// transaction under concurrent opens.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id             TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			opened_by      TEXT NOT NULL,
			reason         TEXT NOT NULL,
			status         TEXT NOT NULL,
			resolution     TEXT NOT NULL DEFAULT '',
			resolved_by    TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at    TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_open
			ON disputes(transaction_id) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_disputes_transaction
			ON disputes(transaction_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate disputes table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, opened_by, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, opened_by, reason, status, resolution, resolved_by, created_at, resolved_at
		FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5`,
		string(d.Status), d.Resolution, d.ResolvedBy, d.ResolvedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, opened_by, reason, status, resolution, resolved_by, created_at, resolved_at
		FROM disputes WHERE transaction_id = $1 ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasOpen(ctx context.Context, transactionID string) (bool, error) {
	var open bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM disputes WHERE transaction_id = $1 AND status = 'open')`,
		transactionID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to check open disputes: %w", err)
	}
	return open, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var (
		d          Dispute
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &status,
		&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}
	d.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}
