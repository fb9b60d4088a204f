package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteStore implements Store on the tables created by internal/schema.
// Each Save is a single upsert so readers never observe a partial record.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore wraps an open database. The schema must already be applied
// (see sqldb.Open).
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}
}

func (s *SQLiteStore) Save(ctx context.Context, jobID, stage string, payload []byte, costUSD float64, tokensUsed int) error {
	if err := validateKey(jobID, stage); err != nil {
		return err
	}
	// payload is NOT NULL; an empty stage output is stored as a zero-length blob.
	if payload == nil {
		payload = []byte{}
	}
	rec := NewRecord(jobID, stage, payload, costUSD, tokensUsed, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, stage, payload, cost_usd, tokens_used, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, stage) DO UPDATE SET
			payload = excluded.payload,
			cost_usd = excluded.cost_usd,
			tokens_used = excluded.tokens_used,
			checksum = excluded.checksum,
			created_at = excluded.created_at`,
		rec.JobID, rec.Stage, rec.Payload, rec.CostUSD, rec.TokensUsed, rec.Checksum, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", jobID, stage, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, jobID, stage string) (*Record, error) {
	if err := validateKey(jobID, stage); err != nil {
		return nil, err
	}

	var (
		rec     = Record{JobID: jobID, Stage: stage}
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, cost_usd, tokens_used, checksum, created_at
		FROM checkpoints WHERE job_id = ? AND stage = ?`, jobID, stage).
		Scan(&rec.Payload, &rec.CostUSD, &rec.TokensUsed, &rec.Checksum, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", jobID, stage, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()

	if err := rec.Verify(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, jobID string) ([]string, error) {
	if err := ValidateName(jobID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT stage FROM checkpoints WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", jobID, err)
	}
	defer rows.Close()

	var present []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, err
		}
		present = append(present, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var declared []string
	job, err := s.LoadJob(ctx, jobID)
	switch {
	case err == nil:
		declared = job.Stages
	case !errors.Is(err, ErrJobNotFound):
		return nil, err
	}
	return OrderByDeclared(present, declared), nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, jobID string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete checkpoints %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is required")
	}
	if err := ValidateName(rec.ID); err != nil {
		return err
	}

	stored := cloneJob(rec)
	stored.CancelRequested = false
	stored.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, status, record_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			record_json = excluded.record_json,
			updated_at = excluded.updated_at`,
		stored.ID, stored.UserID, stored.Status, string(data),
		stored.CreatedAt.UnixNano(), stored.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var (
		data      string
		cancelled sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT j.record_json, c.requested_at
		FROM jobs j LEFT JOIN job_cancels c ON c.job_id = j.id
		WHERE j.id = ?`, jobID).Scan(&data, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return decodeJob(jobID, data, cancelled.Valid)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error) {
	query := `
		SELECT j.id, j.record_json, c.requested_at
		FROM jobs j LEFT JOIN job_cancels c ON c.job_id = j.id
		WHERE (? = '' OR j.status = ?) AND (? = '' OR j.user_id = ?)
		ORDER BY j.created_at DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query,
		filter.Status, filter.Status, filter.UserID, filter.UserID, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		var (
			id, data  string
			cancelled sql.NullInt64
		)
		if err := rows.Scan(&id, &data, &cancelled); err != nil {
			return nil, err
		}
		rec, err := decodeJob(id, data, cancelled.Valid)
		if err != nil {
			s.logger.Warn("skipping undecodable job record", "job_id", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM checkpoints WHERE job_id = ?`,
		`DELETE FROM job_cancels WHERE job_id = ?`,
		`DELETE FROM job_leases WHERE job_id = ?`,
		`DELETE FROM jobs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, jobID); err != nil {
			return fmt.Errorf("delete job %s: %w", jobID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_cancels (job_id, requested_at)
		SELECT id, ? FROM jobs WHERE id = ?
		ON CONFLICT(job_id) DO NOTHING`, s.now().UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the job is missing or the flag is already set.
		if _, err := s.LoadJob(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_cancels WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("cancel flag %s: %w", jobID, err)
	}
	return n > 0, nil
}

// AcquireLease is a single conditional upsert: the existing row is only
// replaced when it belongs to owner or has expired, so two processes racing
// for the same job cannot both succeed.
func (s *SQLiteStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if err := validateLease(jobID, owner, ttl); err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_leases (job_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE job_leases.owner = excluded.owner OR job_leases.expires_at <= ?`,
		jobID, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if n == 0 {
		var holder string
		_ = s.db.QueryRowContext(ctx, `SELECT owner FROM job_leases WHERE job_id = ?`, jobID).Scan(&holder)
		return fmt.Errorf("%w: %s (owner %s)", ErrLeaseHeld, jobID, holder)
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_leases WHERE job_id = ? AND owner = ?`, jobID, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", jobID, err)
	}
	return nil
}

func decodeJob(jobID, data string, cancelled bool) (*JobRecord, error) {
	var rec JobRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	rec.CancelRequested = cancelled
	return &rec, nil
}

var _ Store = (*SQLiteStore)(nil)
