package usage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTracker is a mutex-guarded Tracker for tests and single-process runs.
type MemoryTracker struct {
	mu       sync.Mutex
	limitUSD float64
	users    map[string]*Usage
}

// NewMemoryTracker creates a tracker with a per-user ceiling (0 = unlimited).
func NewMemoryTracker(limitUSD float64) *MemoryTracker {
	return &MemoryTracker{limitUSD: limitUSD, users: make(map[string]*Usage)}
}

func (m *MemoryTracker) user(id string) *Usage {
	u, ok := m.users[id]
	if !ok {
		u = &Usage{UserID: id, LimitUSD: m.limitUSD}
		m.users[id] = u
	}
	return u
}

func (m *MemoryTracker) Reserve(ctx context.Context, userID string, amountUSD float64) (*Reservation, error) {
	r, err := newReservation(userID, amountUSD)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)
	if exceeded(m.limitUSD, u.SpentUSD, u.ReservedUSD, amountUSD) {
		return nil, fmt.Errorf("%w: user %s spent $%.4f, reserved $%.4f, limit $%.4f",
			ErrUserBudgetExceeded, userID, u.SpentUSD, u.ReservedUSD, m.limitUSD)
	}
	u.ReservedUSD += amountUSD
	return r, nil
}

func (m *MemoryTracker) Settle(ctx context.Context, r *Reservation, actualUSD float64) error {
	if r == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(r.UserID)
	u.ReservedUSD = clampZero(u.ReservedUSD - r.AmountUSD)
	u.SpentUSD += actualUSD
	return nil
}

func (m *MemoryTracker) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(r.UserID)
	u.ReservedUSD = clampZero(u.ReservedUSD - r.AmountUSD)
	return nil
}

func (m *MemoryTracker) Get(ctx context.Context, userID string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.user(userID)
	return &c, nil
}

func clampZero(v float64) float64 {
	if v < 1e-12 {
		return 0
	}
	return v
}

var _ Tracker = (*MemoryTracker)(nil)
