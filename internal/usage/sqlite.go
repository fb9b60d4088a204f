package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteTracker keeps the aggregate in the user_usage table. Reserve is a
// single conditional UPDATE, so the check and the increment are one atomic
// step even across processes sharing the database file.
type SQLiteTracker struct {
	db       *sql.DB
	limitUSD float64
}

// NewSQLiteTracker wraps an open database with the schema applied.
func NewSQLiteTracker(db *sql.DB, limitUSD float64) *SQLiteTracker {
	return &SQLiteTracker{db: db, limitUSD: limitUSD}
}

func (s *SQLiteTracker) ensureUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, spent_usd, reserved_usd, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, time.Now().UnixNano())
	return err
}

func (s *SQLiteTracker) Reserve(ctx context.Context, userID string, amountUSD float64) (*Reservation, error) {
	r, err := newReservation(userID, amountUSD)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("usage row %s: %w", userID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_usage
		SET reserved_usd = reserved_usd + ?, updated_at = ?
		WHERE user_id = ? AND (? <= 0 OR spent_usd + reserved_usd + ? <= ? + 1e-9)`,
		amountUSD, time.Now().UnixNano(), userID, s.limitUSD, amountUSD, s.limitUSD)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		u, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: user %s spent $%.4f, reserved $%.4f, limit $%.4f",
			ErrUserBudgetExceeded, userID, u.SpentUSD, u.ReservedUSD, s.limitUSD)
	}
	return r, nil
}

func (s *SQLiteTracker) Settle(ctx context.Context, r *Reservation, actualUSD float64) error {
	if r == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage
		SET reserved_usd = MAX(reserved_usd - ?, 0), spent_usd = spent_usd + ?, updated_at = ?
		WHERE user_id = ?`, r.AmountUSD, actualUSD, time.Now().UnixNano(), r.UserID)
	if err != nil {
		return fmt.Errorf("settle %s: %w", r.UserID, err)
	}
	return nil
}

func (s *SQLiteTracker) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_usage
		SET reserved_usd = MAX(reserved_usd - ?, 0), updated_at = ?
		WHERE user_id = ?`, r.AmountUSD, time.Now().UnixNano(), r.UserID)
	if err != nil {
		return fmt.Errorf("release %s: %w", r.UserID, err)
	}
	return nil
}

func (s *SQLiteTracker) Get(ctx context.Context, userID string) (*Usage, error) {
	u := &Usage{UserID: userID, LimitUSD: s.limitUSD}
	err := s.db.QueryRowContext(ctx,
		`SELECT spent_usd, reserved_usd FROM user_usage WHERE user_id = ?`, userID).
		Scan(&u.SpentUSD, &u.ReservedUSD)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage %s: %w", userID, err)
	}
	return u, nil
}

var _ Tracker = (*SQLiteTracker)(nil)
