package reward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAccountNotFound = errors.New("reward: account not found")

// Account is the running reward balance for one identity. Balance only ever
// increases here; redemption happens outside this core.
type Account struct {
	Identity       string    `json:"identity"`
	BalanceMinor   int64     `json:"balance_minor"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LastSyncAt     time.Time `json:"last_sync_at"`
}

// Accounts stores per-identity reward balances. Credit must be an atomic
// increment so concurrent settlements for the same payer never lose updates.
type Accounts interface {
	Credit(ctx context.Context, identity string, amountMinor int64) error
	Get(ctx context.Context, identity string) (*Account, error)
}

// PostgresAccounts implements Accounts with upsert-and-increment, the same
// shape the analytics buckets use.
type PostgresAccounts struct {
	db *sql.DB
}

// NewPostgresAccounts creates a Postgres-backed account store
func NewPostgresAccounts(db *sql.DB) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

func (s *PostgresAccounts) Credit(ctx context.Context, identity string, amountMinor int64) error {
	if amountMinor < 0 {
		return ErrNegativeAmount
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reward_accounts (identity, balance_minor, lifetime_earned, last_sync_at)
		 VALUES ($1, $2, $2, $3)
		 ON CONFLICT (identity) DO UPDATE SET
			balance_minor = reward_accounts.balance_minor + EXCLUDED.balance_minor,
			lifetime_earned = reward_accounts.lifetime_earned + EXCLUDED.lifetime_earned,
			last_sync_at = EXCLUDED.last_sync_at`,
		identity, amountMinor, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to credit reward account: %w", err)
	}
	return nil
}

func (s *PostgresAccounts) Get(ctx context.Context, identity string) (*Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, balance_minor, lifetime_earned, last_sync_at
		 FROM reward_accounts WHERE identity = $1`,
		identity,
	).Scan(&acct.Identity, &acct.BalanceMinor, &acct.LifetimeEarned, &acct.LastSyncAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward account: %w", err)
	}
	return &acct, nil
}

// MemoryAccounts is the in-memory Accounts used by tests and dev runs.
type MemoryAccounts struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

// NewMemoryAccounts creates an empty in-memory account store
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]*Account)}
}

func (s *MemoryAccounts) Credit(ctx context.Context, identity string, amountMinor int64) error {
	if amountMinor < 0 {
		return ErrNegativeAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[identity]
	if !ok {
		acct = &Account{Identity: identity}
		s.accounts[identity] = acct
	}
	acct.BalanceMinor += amountMinor
	acct.LifetimeEarned += amountMinor
	acct.LastSyncAt = time.Now()
	return nil
}

func (s *MemoryAccounts) Get(ctx context.Context, identity string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[identity]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}
