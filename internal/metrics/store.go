package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists metrics.
type Store interface {
	Add(ctx context.Context, m *Metric) error
	List(ctx context.Context, f Filter) ([]*Metric, error)
}

// MemoryStore keeps metrics in memory.
type MemoryStore struct {
	mu      sync.Mutex
	metrics []*Metric
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(ctx context.Context, m *Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.metrics = append(s.metrics, &c)
	return nil
}

// List returns matching metrics, oldest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Metric
	for _, m := range s.metrics {
		if f.matches(m) {
			c := *m
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SQLiteStore keeps metrics in the stage_metrics table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database with the schema applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Add(ctx context.Context, m *Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_metrics (id, job_id, user_id, stage, attempt, estimated_usd, cost_usd,
			tokens_used, execution_seconds, success, error_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.JobID, m.UserID, m.Stage, m.Attempt, m.EstimatedUSD, m.CostUSD,
		m.TokensUsed, m.ExecutionSeconds, m.Success, m.ErrorType, m.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// List returns matching metrics, oldest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Metric, error) {
	query := `
		SELECT id, job_id, user_id, stage, attempt, estimated_usd, cost_usd,
			tokens_used, execution_seconds, success, error_type, created_at
		FROM stage_metrics
		WHERE (? = '' OR job_id = ?) AND (? = '' OR user_id = ?) AND (? = '' OR stage = ?)`
	args := []any{f.JobID, f.JobID, f.UserID, f.UserID, f.Stage, f.Stage}
	if f.Success != nil {
		query += ` AND success = ?`
		args = append(args, *f.Success)
	}
	query += ` ORDER BY created_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m       Metric
			created int64
		)
		if err := rows.Scan(&m.ID, &m.JobID, &m.UserID, &m.Stage, &m.Attempt, &m.EstimatedUSD,
			&m.CostUSD, &m.TokensUsed, &m.ExecutionSeconds, &m.Success, &m.ErrorType, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
