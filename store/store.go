// Package store persists payment receipts. A receipt row is the durable
// claim on a transaction signature, so a settled payment authorizes at most
// one call. Receipts are never deleted: a landed transaction stays landed,
// and the row is what stops it from being spent twice.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrReceiptNotFound = errors.New("receipt not found")

// Receipt records one settled payment and what it was spent on.
type Receipt struct {
	Signature        string
	OperationKey     string
	Payer            string
	Network          string
	PaidMinorUnits   int64
	ActualMinorUnits int64
	CreatedAt        time.Time
}

const (
	createReceiptsTable = `CREATE TABLE IF NOT EXISTS payment_receipts (
	signature TEXT PRIMARY KEY,
	operation_key TEXT NOT NULL,
	payer TEXT NOT NULL DEFAULT '',
	network TEXT NOT NULL,
	paid_minor_units BIGINT NOT NULL,
	actual_minor_units BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectReceiptExists = `SELECT EXISTS(SELECT 1 FROM payment_receipts WHERE signature = $1)`
	insertReceipt       = `INSERT INTO payment_receipts (signature, operation_key, payer, network, paid_minor_units, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (signature) DO NOTHING`
	updateReceiptActual = `UPDATE payment_receipts SET actual_minor_units = $2 WHERE signature = $1`
	selectReceipt       = `SELECT signature, operation_key, payer, network, paid_minor_units, COALESCE(actual_minor_units, 0), created_at FROM payment_receipts WHERE signature = $1`
)

type Store struct {
	db *sql.DB
}

// NewStore connects to Postgres through the pgx driver.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the receipts table if it is missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createReceiptsTable); err != nil {
		return fmt.Errorf("create payment_receipts: %w", err)
	}
	return nil
}

// Seen reports whether a receipt exists for signature.
func (s *Store) Seen(ctx context.Context, signature string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, selectReceiptExists, signature).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup receipt: %w", err)
	}
	return exists, nil
}

// Claim inserts r and reports whether this caller won the signature. A
// false result with a nil error means another request already claimed it.
func (s *Store) Claim(ctx context.Context, r Receipt) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, insertReceipt, r.Signature, r.OperationKey, r.Payer, r.Network, r.PaidMinorUnits, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("claim receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim receipt: %w", err)
	}
	return n == 1, nil
}

// Complete records the reconciled cost of the call a receipt paid for.
func (s *Store) Complete(ctx context.Context, signature string, actualMinorUnits int64) error {
	res, err := s.db.ExecContext(ctx, updateReceiptActual, signature, actualMinorUnits)
	if err != nil {
		return fmt.Errorf("complete receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, signature string) (*Receipt, error) {
	var r Receipt
	err := s.db.QueryRowContext(ctx, selectReceipt, signature).
		Scan(&r.Signature, &r.OperationKey, &r.Payer, &r.Network, &r.PaidMinorUnits, &r.ActualMinorUnits, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return &r, nil
}
