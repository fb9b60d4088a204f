package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is used by unit tests and by
// dry runs. Error injection fields let tests exercise failure paths.
type MemoryStore struct {
	mu sync.RWMutex

	// records maps jobID -> stage -> record
	records map[string]map[string]*Record
	jobs    map[string]*JobRecord
	cancel  map[string]bool
	leases  map[string]memoryLease

	// saves counts successful Save calls for test assertions
	saves int

	now func() time.Time

	// --- Error injection fields for testing ---

	// SaveErr is returned by Save when non-nil
	SaveErr error

	// LoadErr is returned by Load when non-nil
	LoadErr error

	// SaveJobErr is returned by SaveJob when non-nil
	SaveJobErr error

	// ErrOnStage causes Save for a specific stage to fail
	ErrOnStage map[string]error

	// ErrAfterNSaves causes Save to fail after N successful saves
	ErrAfterNSaves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]*Record),
		jobs:    make(map[string]*JobRecord),
		cancel:  make(map[string]bool),
		leases:  make(map[string]memoryLease),
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, jobID, stage string, payload []byte, costUSD float64, tokensUsed int) error {
	if err := validateKey(jobID, stage); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if err, ok := m.ErrOnStage[stage]; ok {
		return err
	}
	if m.ErrAfterNSaves > 0 && m.saves >= m.ErrAfterNSaves {
		return fmt.Errorf("injected error after %d saves", m.ErrAfterNSaves)
	}

	rec := NewRecord(jobID, stage, append([]byte(nil), payload...), costUSD, tokensUsed, m.now())
	if m.records[jobID] == nil {
		m.records[jobID] = make(map[string]*Record)
	}
	m.records[jobID][stage] = rec
	m.saves++
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, jobID, stage string) (*Record, error) {
	if err := validateKey(jobID, stage); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	rec, ok := m.records[jobID][stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, stage)
	}
	c := *rec
	c.Payload = append([]byte(nil), rec.Payload...)
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (m *MemoryStore) List(ctx context.Context, jobID string) ([]string, error) {
	if err := ValidateName(jobID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	present := make([]string, 0, len(m.records[jobID]))
	for stage := range m.records[jobID] {
		present = append(present, stage)
	}
	var declared []string
	if rec, ok := m.jobs[jobID]; ok {
		declared = rec.Stages
	}
	return OrderByDeclared(present, declared), nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, jobID string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, jobID)
	return nil
}

func (m *MemoryStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is required")
	}
	if err := ValidateName(rec.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveJobErr != nil {
		return m.SaveJobErr
	}
	stored := cloneJob(rec)
	stored.CancelRequested = false
	stored.UpdatedAt = m.now().UTC()
	m.jobs[rec.ID] = stored
	return nil
}

func (m *MemoryStore) LoadJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	out := cloneJob(rec)
	out.CancelRequested = m.cancel[jobID]
	return out, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JobRecord
	for id, rec := range m.jobs {
		if !filter.matches(rec) {
			continue
		}
		c := cloneJob(rec)
		c.CancelRequested = m.cancel[id]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, jobID)
	delete(m.jobs, jobID)
	delete(m.cancel, jobID)
	delete(m.leases, jobID)
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	m.cancel[jobID] = true
	return nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancel[jobID], nil
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func (m *MemoryStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if err := validateLease(jobID, owner, ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[jobID]; ok && cur.owner != owner && now.Before(cur.expires) {
		return fmt.Errorf("%w: %s (owner %s)", ErrLeaseHeld, jobID, cur.owner)
	}
	m.leases[jobID] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[jobID]; ok && cur.owner == owner {
		delete(m.leases, jobID)
	}
	return nil
}

// --- Test helpers ---

// SaveCount returns the number of successful Save calls.
func (m *MemoryStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Corrupt flips the stored checksum of a record so the next Load fails
// verification. Returns false if the record does not exist.
func (m *MemoryStore) Corrupt(jobID, stage string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[jobID][stage]
	if !ok {
		return false
	}
	rec.Checksum = "corrupted-" + rec.Checksum
	return true
}

// SetClock replaces the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

var _ Store = (*MemoryStore)(nil)
