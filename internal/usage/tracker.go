// Package usage keeps the per-user running cost aggregate shared by every
// job a user owns. Increments are serialized so concurrent jobs of one user
// can never overshoot the user's ceiling through a read-modify-write race.
package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUserBudgetExceeded is returned by Reserve when the user's ceiling
// would be crossed.
var ErrUserBudgetExceeded = errors.New("user budget exceeded")

// Usage is a user's aggregate.
type Usage struct {
	UserID      string  `json:"user_id" yaml:"user_id"`
	SpentUSD    float64 `json:"spent_usd" yaml:"spent_usd"`
	ReservedUSD float64 `json:"reserved_usd" yaml:"reserved_usd"`
	LimitUSD    float64 `json:"limit_usd" yaml:"limit_usd"` // 0 = unlimited
}

// Reservation holds an estimate against a user's ceiling until the stage
// settles or releases it.
type Reservation struct {
	ID        string
	UserID    string
	AmountUSD float64
}

// Tracker maintains per-user spend.
type Tracker interface {
	// Reserve atomically holds amountUSD against the user's ceiling.
	Reserve(ctx context.Context, userID string, amountUSD float64) (*Reservation, error)

	// Settle converts a reservation into actual spend.
	Settle(ctx context.Context, r *Reservation, actualUSD float64) error

	// Release drops a reservation without spending.
	Release(ctx context.Context, r *Reservation) error

	// Get returns the user's aggregate.
	Get(ctx context.Context, userID string) (*Usage, error)
}

func newReservation(userID string, amountUSD float64) (*Reservation, error) {
	if amountUSD < 0 {
		return nil, fmt.Errorf("negative reservation %v", amountUSD)
	}
	return &Reservation{ID: uuid.NewString(), UserID: userID, AmountUSD: amountUSD}, nil
}

// exceeded reports whether a limit (0 = unlimited) is crossed.
func exceeded(limit, spent, reserved, amount float64) bool {
	return limit > 0 && spent+reserved+amount > limit+1e-9
}
