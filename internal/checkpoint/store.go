// Package checkpoint persists per-stage results and job metadata for
// resumable pipeline runs.
//
// Every backend (filesystem, SQLite, memory) implements Store. A saved
// checkpoint is never partially visible: readers see either the previous
// record or the new one. Records carry a checksum which Load verifies.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned by Load when no checkpoint exists for the key.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt matches every CorruptionError.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrJobNotFound is returned when no job metadata record exists.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidName is returned for job IDs or stage names that cannot be
	// used as storage keys.
	ErrInvalidName = errors.New("invalid checkpoint key")

	// ErrLeaseHeld is returned by AcquireLease when another owner holds an
	// unexpired lease on the job.
	ErrLeaseHeld = errors.New("job lease held by another owner")
)

// CorruptionError reports a checkpoint that failed verification.
// Callers must treat it as "no valid checkpoint".
type CorruptionError struct {
	JobID  string
	Stage  string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint %s/%s corrupt: %s", e.JobID, e.Stage, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

// Record is a single completed-stage checkpoint.
type Record struct {
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Payload    []byte    `json:"payload"`
	CostUSD    float64   `json:"cost_usd"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
}

// Verify recomputes the checksum and compares it with the stored value.
func (r *Record) Verify() error {
	want := Checksum(r.Payload, r.CostUSD, r.TokensUsed)
	if r.Checksum != want {
		return &CorruptionError{JobID: r.JobID, Stage: r.Stage, Reason: "checksum mismatch"}
	}
	return nil
}

// JobRecord is the job-level metadata record stored alongside checkpoints.
// Cumulative totals here are a cache for reporting; resume always recomputes
// them from the stage records. CancelRequested is filled in by LoadJob and
// ignored by SaveJob.
type JobRecord struct {
	ID                string     `json:"id" yaml:"id"`
	UserID            string     `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Stages            []string   `json:"stages" yaml:"stages"`
	Brief             []byte     `json:"brief" yaml:"-"`
	BudgetLimitUSD    float64    `json:"budget_limit_usd" yaml:"budget_limit_usd"`
	MaxRepairAttempts int        `json:"max_repair_attempts" yaml:"max_repair_attempts"`
	Status            string     `json:"status" yaml:"status"`
	CumulativeCostUSD float64    `json:"cumulative_cost_usd" yaml:"cumulative_cost_usd"`
	CumulativeTokens  int        `json:"cumulative_tokens" yaml:"cumulative_tokens"`
	CancelRequested   bool       `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	FailedStage       string     `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error             string     `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	ResumedAt         *time.Time `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"updated_at"`
}

// ListFilter specifies criteria for listing jobs.
type ListFilter struct {
	Status string // Filter by status (empty = all)
	UserID string // Filter by owner (empty = all)
	Limit  int    // Max results (0 = default 100)
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func (f ListFilter) matches(rec *JobRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	return true
}

// Store is the durable checkpoint backend. Implementations must be safe for
// concurrent use by independent jobs.
type Store interface {
	// Save atomically writes the checkpoint for (jobID, stage), replacing any
	// previous one.
	Save(ctx context.Context, jobID, stage string, payload []byte, costUSD float64, tokensUsed int) error

	// Load returns the checkpoint for (jobID, stage). Returns ErrNotFound when
	// absent and a *CorruptionError when verification fails.
	Load(ctx context.Context, jobID, stage string) (*Record, error)

	// List returns the stage names with a checkpoint, in the job's declared
	// stage order. Names the job does not declare trail in lexical order.
	List(ctx context.Context, jobID string) ([]string, error)

	// DeleteAll removes every checkpoint of the job. The job record is kept.
	DeleteAll(ctx context.Context, jobID string) error

	// SaveJob creates or replaces the job metadata record.
	SaveJob(ctx context.Context, rec *JobRecord) error

	// LoadJob returns the job record or ErrJobNotFound.
	LoadJob(ctx context.Context, jobID string) (*JobRecord, error)

	// ListJobs returns job records matching the filter, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error)

	// DeleteJob removes the job record and all its checkpoints.
	DeleteJob(ctx context.Context, jobID string) error

	// RequestCancel flags the job for cooperative cancellation. The flag is
	// stored apart from the job record so SaveJob never overwrites it.
	RequestCancel(ctx context.Context, jobID string) error

	// CancelRequested reports whether RequestCancel was called for the job.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// AcquireLease atomically claims the job for owner until now+ttl. It
	// succeeds when no lease exists, the current lease has expired, or owner
	// already holds it (renewal). Otherwise it returns ErrLeaseHeld. Leases
	// are stored apart from the job record and do not require one to exist.
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) error

	// ReleaseLease drops the lease if owner holds it. Releasing a lease held
	// by someone else, or none at all, is a no-op.
	ReleaseLease(ctx context.Context, jobID, owner string) error
}

// Checksum returns the hex SHA-256 of the payload together with the cost and
// token accounting, so tampering with either is detected.
func Checksum(payload []byte, costUSD float64, tokensUsed int) string {
	h := sha256.New()
	h.Write(payload)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], math.Float64bits(costUSD))
	binary.BigEndian.PutUint64(buf[8:], uint64(int64(tokensUsed)))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// NewRecord builds a record with a fresh checksum.
func NewRecord(jobID, stage string, payload []byte, costUSD float64, tokensUsed int, now time.Time) *Record {
	return &Record{
		JobID:      jobID,
		Stage:      stage,
		Payload:    payload,
		CostUSD:    costUSD,
		TokensUsed: tokensUsed,
		CreatedAt:  now.UTC(),
		Checksum:   Checksum(payload, costUSD, tokensUsed),
	}
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks that s is usable as a job ID or stage name in every
// backend (including as a file name).
func ValidateName(s string) error {
	if !validName.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

func validateKey(jobID, stage string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	return ValidateName(stage)
}

// OrderByDeclared sorts present stage names by their position in declared.
// Undeclared names are appended in lexical order.
func OrderByDeclared(present, declared []string) []string {
	pos := make(map[string]int, len(declared))
	for i, name := range declared {
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}

	out := make([]string, 0, len(present))
	out = append(out, present...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i]]
		pj, jok := pos[out[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}

func cloneJob(rec *JobRecord) *JobRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	c.Stages = append([]string(nil), rec.Stages...)
	c.Brief = append([]byte(nil), rec.Brief...)
	c.StartedAt = cloneTime(rec.StartedAt)
	c.ResumedAt = cloneTime(rec.ResumedAt)
	c.CompletedAt = cloneTime(rec.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func validateLease(jobID, owner string, ttl time.Duration) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	return nil
}
