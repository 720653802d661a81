package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore backs the payment ledger with Postgres. Finalization relies
// on conditional updates (WHERE status = 'pending'), so no row lock is held
// across the settle flow.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, p *PaymentRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, payer_id, payee_id, amount_minor, reward_minor, status, created_at, expires_at, reward_minted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
		p.ID, p.PayerID, p.PayeeID, p.AmountMinor, p.RewardMinor, p.Status, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payer_id, payee_id, amount_minor, reward_minor, status, created_at, expires_at, confirmed_at, reward_minted, reward_tx_ref
		 FROM payments WHERE id = $1`,
		id,
	)
	return scanPayment(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, next Status, at time.Time) (*PaymentRequest, error) {
	if !next.Terminal() {
		return nil, ErrInvalidStatus
	}

	var confirmedAt *time.Time
	if next == StatusConfirmed {
		confirmedAt = &at
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $2, confirmed_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, next, confirmedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to transition payment: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		// Either the row doesn't exist or someone else finalized it first.
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyFinalized
	}

	return s.Get(ctx, id)
}

func (s *PostgresStore) MarkRewardMinted(ctx context.Context, id uuid.UUID, txRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET reward_minted = true, reward_tx_ref = $2
		 WHERE id = $1 AND status = 'confirmed' AND reward_minted = false`,
		id, txRef,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reward minted: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		p, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if p.RewardMinted {
			return ErrAlreadyMinted
		}
		return ErrInvalidStatus
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) ([]*PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE payments SET status = 'expired'
		 WHERE status = 'pending' AND expires_at <= $1
		 RETURNING id, payer_id, payee_id, amount_minor, reward_minor, status, created_at, expires_at, confirmed_at, reward_minted, reward_tx_ref`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep expired payments: %w", err)
	}
	defer rows.Close()

	var swept []*PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		swept = append(swept, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate swept payments: %w", err)
	}
	return swept, nil
}

func (s *PostgresStore) ListByParty(ctx context.Context, identity string, limit int) ([]*PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payer_id, payee_id, amount_minor, reward_minor, status, created_at, expires_at, confirmed_at, reward_minted, reward_tx_ref
		 FROM payments WHERE payer_id = $1 OR payee_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*PaymentRequest, error) {
	var p PaymentRequest
	var confirmedAt sql.NullTime
	var txRef sql.NullString

	err := row.Scan(&p.ID, &p.PayerID, &p.PayeeID, &p.AmountMinor, &p.RewardMinor,
		&p.Status, &p.CreatedAt, &p.ExpiresAt, &confirmedAt, &p.RewardMinted, &txRef)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.ConfirmedAt = &t
	}
	if txRef.Valid {
		p.RewardTxRef = txRef.String
	}
	return &p, nil
}
