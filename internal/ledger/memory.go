package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ledger used in tests and single-node dev runs.
// The mutex gives the same per-payment serialization the Postgres store gets
// from its conditional update.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*PaymentRequest
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[uuid.UUID]*PaymentRequest)}
}

func (s *MemoryStore) Insert(ctx context.Context, p *PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id uuid.UUID, next Status, at time.Time) (*PaymentRequest, error) {
	if !next.Terminal() {
		return nil, ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != StatusPending {
		return nil, ErrAlreadyFinalized
	}

	p.Status = next
	if next == StatusConfirmed {
		t := at
		p.ConfirmedAt = &t
	}
	return p.Clone(), nil
}

func (s *MemoryStore) MarkRewardMinted(ctx context.Context, id uuid.UUID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusConfirmed {
		return ErrInvalidStatus
	}
	if p.RewardMinted {
		return ErrAlreadyMinted
	}

	p.RewardMinted = true
	p.RewardTxRef = txRef
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) ([]*PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []*PaymentRequest
	for _, p := range s.payments {
		if p.Status == StatusPending && !p.ExpiresAt.After(now) {
			p.Status = StatusExpired
			swept = append(swept, p.Clone())
		}
	}
	return swept, nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, identity string, limit int) ([]*PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []*PaymentRequest
	for _, p := range s.payments {
		if p.PayerID == identity || p.PayeeID == identity {
			payments = append(payments, p.Clone())
		}
	}

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}
