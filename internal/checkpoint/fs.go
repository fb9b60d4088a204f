package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	jobFileName     = "job.json"
	cancelFileName  = "cancel"
	stagesDirName   = "stages"
	recordExt       = ".ckpt.json"
	mirrorExt       = ".yaml"
	tempFilePattern = ".scribe-tmp-*"
)

// FSStore keeps checkpoints as files under a root directory:
//
//	{root}/{jobID}/job.json
//	{root}/{jobID}/cancel
//	{root}/{jobID}/stages/{stage}.ckpt.json   authoritative record
//	{root}/{jobID}/stages/{stage}.yaml        text mirror (optional, never read)
type FSStore struct {
	root       string
	textMirror bool
	logger     *slog.Logger
	now        func() time.Time
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithTextMirror enables the human-readable YAML mirror next to every record.
// The mirror is a debug artifact; a failed mirror write is logged, not fatal.
func WithTextMirror(enabled bool) FSOption {
	return func(s *FSStore) { s.textMirror = enabled }
}

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(logger *slog.Logger) FSOption {
	return func(s *FSStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFSStore creates the root directory if needed and returns a store.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("checkpoint root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root %s: %w", root, err)
	}
	s := &FSStore{
		root:   root,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FSStore) stagesDir(jobID string) string {
	return filepath.Join(s.jobDir(jobID), stagesDirName)
}

func (s *FSStore) recordPath(jobID, stage string) string {
	return filepath.Join(s.stagesDir(jobID), stage+recordExt)
}

func (s *FSStore) mirrorPath(jobID, stage string) string {
	return filepath.Join(s.stagesDir(jobID), stage+mirrorExt)
}

func (s *FSStore) Save(ctx context.Context, jobID, stage string, payload []byte, costUSD float64, tokensUsed int) error {
	if err := validateKey(jobID, stage); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := NewRecord(jobID, stage, payload, costUSD, tokensUsed, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s/%s: %w", jobID, stage, err)
	}
	if err := writeFileAtomic(s.recordPath(jobID, stage), data); err != nil {
		return err
	}

	if s.textMirror {
		if err := s.writeMirror(rec); err != nil {
			s.logger.Warn("checkpoint text mirror not written",
				"job_id", jobID, "stage", stage, "error", err)
		}
	}
	return nil
}

// mirrorDoc is the YAML shape of the text mirror.
type mirrorDoc struct {
	Stage      string    `yaml:"stage"`
	CostUSD    float64   `yaml:"cost_usd"`
	TokensUsed int       `yaml:"tokens_used"`
	CreatedAt  time.Time `yaml:"created_at"`
	Checksum   string    `yaml:"checksum"`
	Payload    string    `yaml:"payload"`
}

func (s *FSStore) writeMirror(rec *Record) error {
	doc := mirrorDoc{
		Stage:      rec.Stage,
		CostUSD:    rec.CostUSD,
		TokensUsed: rec.TokensUsed,
		CreatedAt:  rec.CreatedAt,
		Checksum:   rec.Checksum,
	}
	if utf8.Valid(rec.Payload) {
		doc.Payload = string(rec.Payload)
	} else {
		doc.Payload = fmt.Sprintf("<%d bytes binary>", len(rec.Payload))
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.mirrorPath(rec.JobID, rec.Stage), data)
}

func (s *FSStore) Load(ctx context.Context, jobID, stage string) (*Record, error) {
	if err := validateKey(jobID, stage); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.recordPath(jobID, stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, stage)
		}
		return nil, fmt.Errorf("read checkpoint %s/%s: %w", jobID, stage, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptionError{JobID: jobID, Stage: stage, Reason: "undecodable record: " + err.Error()}
	}
	if rec.JobID != jobID || rec.Stage != stage {
		return nil, &CorruptionError{JobID: jobID, Stage: stage, Reason: "record key mismatch"}
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FSStore) List(ctx context.Context, jobID string) ([]string, error) {
	if err := ValidateName(jobID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.stagesDir(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read checkpoints for %s: %w", jobID, err)
	}

	present := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		present = append(present, strings.TrimSuffix(name, recordExt))
	}

	var declared []string
	if rec, err := s.LoadJob(ctx, jobID); err == nil {
		declared = rec.Stages
	} else if !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	return OrderByDeclared(present, declared), nil
}

func (s *FSStore) DeleteAll(ctx context.Context, jobID string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.stagesDir(jobID)); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", jobID, err)
	}
	return nil
}

func (s *FSStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is required")
	}
	if err := ValidateName(rec.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := cloneJob(rec)
	stored.CancelRequested = false
	stored.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.ID, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(filepath.Join(s.jobDir(rec.ID), jobFileName), data)
}

func (s *FSStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if err := ValidateName(jobID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), jobFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", jobID, err)
	}
	rec.CancelRequested = s.cancelMarked(jobID)
	return &rec, nil
}

func (s *FSStore) ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint root %s: %w", s.root, err)
	}

	var out []*JobRecord
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		rec, err := s.LoadJob(ctx, e.Name())
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (s *FSStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *FSStore) RequestCancel(ctx context.Context, jobID string) error {
	if _, err := s.LoadJob(ctx, jobID); err != nil {
		return err
	}
	stamp := []byte(s.now().UTC().Format(time.RFC3339) + "\n")
	return writeFileAtomic(filepath.Join(s.jobDir(jobID), cancelFileName), stamp)
}

func (s *FSStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	if err := ValidateName(jobID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.cancelMarked(jobID), nil
}

func (s *FSStore) cancelMarked(jobID string) bool {
	_, err := os.Stat(filepath.Join(s.jobDir(jobID), cancelFileName))
	return err == nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path. Readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}

	// Persist the rename itself. Not all platforms support syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

var _ Store = (*FSStore)(nil)
