package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a requested payment does not exist.
	ErrNotFound = errors.New("payment not found")

	// ErrNonceAlreadyUsed is returned by ConsumeNonce when the nonce has
	// already been recorded. This is the storage-level replay guard: two
	// concurrent consumers of the same nonce cannot both succeed.
	ErrNonceAlreadyUsed = errors.New("nonce already used")
)

// Store provides database operations for the service.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies the embedded DDL. All statements are idempotent
// (CREATE ... IF NOT EXISTS), so this is safe to run at every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Payment is a verified on-chain payment. Rows are written once at first
// successful verification and never mutated or deleted; the table is the
// audit trail and the idempotency cache.
type Payment struct {
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address"`
	// Amount is the transferred value in the token's smallest unit, kept as
	// a decimal string to avoid floating-point loss.
	Amount     string `json:"amount"`
	Service    string `json:"service"`
	BlockTime  int64  `json:"block_time"`
	VerifiedAt int64  `json:"verified_at"`
}

// Stats is the on-demand aggregate over all recorded payments.
type Stats struct {
	Count        int64  `json:"count"`
	TotalAmount  string `json:"total_amount"`
	UniquePayers int64  `json:"unique_payers"`
}

// GetPayment retrieves a payment by its transaction hash.
// Returns ErrNotFound if no such payment has been verified.
func (s *Store) GetPayment(ctx context.Context, txHash string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tx_hash, from_address, amount, service, block_time, verified_at
		FROM payments
		WHERE tx_hash = $1
	`, txHash)

	var p Payment
	err := row.Scan(&p.TxHash, &p.FromAddress, &p.Amount, &p.Service, &p.BlockTime, &p.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &p, nil
}

// InsertPaymentIfAbsent records a payment unless one already exists for the
// same transaction hash. Returns true if the row was newly inserted. The
// ON CONFLICT clause makes this atomic, which guards the race where two
// concurrent verifications of the same transaction both miss the cache.
func (s *Store) InsertPaymentIfAbsent(ctx context.Context, p *Payment) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (tx_hash, from_address, amount, service, block_time, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING
	`, p.TxHash, p.FromAddress, p.Amount, p.Service, p.BlockTime, p.VerifiedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListPaymentsByPayer retrieves payments from the given address, most recently
// verified first. Limit is clamped to [1, 100]; pass 0 for the default of 100.
func (s *Store) ListPaymentsByPayer(ctx context.Context, fromAddress string, limit int32) ([]*Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, from_address, amount, service, block_time, verified_at
		FROM payments
		WHERE from_address = $1
		ORDER BY verified_at DESC
		LIMIT $2
	`, fromAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.TxHash, &p.FromAddress, &p.Amount, &p.Service, &p.BlockTime, &p.VerifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payments: %w", err)
	}

	return payments, nil
}

// GetStats computes payment statistics on demand. The amount sum is done in
// SQL as numeric so arbitrary-precision amounts never pass through a float.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(amount::numeric), 0)::text,
			COUNT(DISTINCT from_address)
		FROM payments
	`)

	var st Stats
	if err := row.Scan(&st.Count, &st.TotalAmount, &st.UniquePayers); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return &st, nil
}

// HasNonce reports whether the nonce has been consumed.
func (s *Store) HasNonce(ctx context.Context, nonce string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM used_nonces WHERE nonce = $1)
	`, nonce).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}

	return exists, nil
}

// ConsumeNonce records a nonce as used. Returns ErrNonceAlreadyUsed if the
// nonce was already present. The check-and-insert happens in a single
// statement so concurrent consumers cannot both succeed.
func (s *Store) ConsumeNonce(ctx context.Context, nonce string, usedAt int64) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO used_nonces (nonce, used_at)
		VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, usedAt)
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNonceAlreadyUsed
	}

	return nil
}
