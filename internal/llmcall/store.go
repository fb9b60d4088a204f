package llmcall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for an unknown call ID.
var ErrNotFound = errors.New("llm call not found")

// Store persists call records.
type Store interface {
	Add(ctx context.Context, c *Call) error
	Get(ctx context.Context, id string) (*Call, error)
	List(ctx context.Context, f Filter) ([]*Call, error)
}

// MemoryStore keeps calls in memory.
type MemoryStore struct {
	mu    sync.Mutex
	calls []*Call
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(ctx context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.calls = append(s.calls, &cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns matching calls, oldest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Call
	for _, c := range s.calls {
		if f.matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SQLiteStore keeps calls in the llm_calls table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database with the schema applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const callColumns = `id, request_id, job_id, stage, step, prompt_key, prompt_hash, provider, model,
	temperature, input_tokens, output_tokens, cost_usd, latency_ms, response, success, error, created_at`

func (s *SQLiteStore) Add(ctx context.Context, c *Call) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO llm_calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RequestID, c.JobID, c.Stage, c.Step, c.PromptKey, c.PromptHash, c.Provider, c.Model,
		c.Temperature, c.InputTokens, c.OutputTokens, c.CostUSD, c.LatencyMs, c.Response, c.Success,
		c.Error, c.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM llm_calls WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query llm call: %w", err)
	}
	calls, err := scanCalls(rows)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return calls[0], nil
}

// List returns matching calls, oldest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Call, error) {
	query := `SELECT ` + callColumns + ` FROM llm_calls
		WHERE (? = '' OR job_id = ?) AND (? = '' OR stage = ?) AND (? = '' OR prompt_key = ?)`
	args := []any{f.JobID, f.JobID, f.Stage, f.Stage, f.PromptKey, f.PromptKey}
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
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	return scanCalls(rows)
}

func scanCalls(rows *sql.Rows) ([]*Call, error) {
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		var (
			c       Call
			created int64
		)
		if err := rows.Scan(&c.ID, &c.RequestID, &c.JobID, &c.Stage, &c.Step, &c.PromptKey, &c.PromptHash,
			&c.Provider, &c.Model, &c.Temperature, &c.InputTokens, &c.OutputTokens, &c.CostUSD,
			&c.LatencyMs, &c.Response, &c.Success, &c.Error, &created); err != nil {
			return nil, err
		}
		c.Timestamp = time.Unix(0, created).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
