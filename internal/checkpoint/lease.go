package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	leaseDirName   = "lease.lock"
	leaseOwnerFile = "owner.json"
)

// leaseOwner is the content of {jobID}/lease.lock/owner.json.
type leaseOwner struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *FSStore) leaseDir(jobID string) string {
	return filepath.Join(s.jobDir(jobID), leaseDirName)
}

// AcquireLease claims the job by creating its lease directory. os.Mkdir is
// atomic, so only one process can create it; an expired lease is moved
// aside with a rename before the claim is retried.
func (s *FSStore) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if err := validateLease(jobID, owner, ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.jobDir(jobID), 0o755); err != nil {
		return fmt.Errorf("create job dir %s: %w", jobID, err)
	}

	dir := s.leaseDir(jobID)
	for attempt := 0; attempt < 2; attempt++ {
		now := s.now()
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			if err := s.writeLeaseOwner(jobID, owner, now.Add(ttl)); err != nil {
				_ = os.RemoveAll(dir)
				return err
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lease %s: %w", jobID, err)
		}

		cur, readErr := s.readLeaseOwner(jobID)
		switch {
		case readErr == nil && cur.Owner == owner:
			return s.writeLeaseOwner(jobID, owner, now.Add(ttl))
		case readErr == nil && now.Before(cur.ExpiresAt):
			return fmt.Errorf("%w: %s (owner %s pid=%d host=%s)",
				ErrLeaseHeld, jobID, cur.Owner, cur.PID, cur.Hostname)
		case readErr != nil && !s.staleLeaseDir(dir, now, ttl):
			// The holder has created the directory but not yet written its
			// owner file.
			return fmt.Errorf("%w: %s", ErrLeaseHeld, jobID)
		}
		if err := s.breakLease(jobID, cur); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s (lost takeover race)", ErrLeaseHeld, jobID)
}

// breakLease moves an expired lease directory aside. If the directory was
// replaced by a fresh lease between the read and the rename, it is put back.
func (s *FSStore) breakLease(jobID string, seen leaseOwner) error {
	dir := s.leaseDir(jobID)
	aside := dir + ".stale-" + uuid.NewString()
	if err := os.Rename(dir, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("break lease %s: %w", jobID, err)
	}
	var moved leaseOwner
	if err := readJSONFile(filepath.Join(aside, leaseOwnerFile), &moved); err == nil && moved != seen && s.now().Before(moved.ExpiresAt) {
		if err := os.Rename(aside, dir); err == nil {
			return fmt.Errorf("%w: %s (owner %s)", ErrLeaseHeld, jobID, moved.Owner)
		}
	}
	s.logger.Info("expired job lease broken", "job_id", jobID, "previous_owner", seen.Owner)
	return os.RemoveAll(aside)
}

func (s *FSStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	if err := ValidateName(jobID); err != nil {
		return err
	}
	cur, err := s.readLeaseOwner(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lease %s: %w", jobID, err)
	}
	if cur.Owner != owner {
		return nil
	}
	dir := s.leaseDir(jobID)
	_ = os.Remove(filepath.Join(dir, leaseOwnerFile))
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lease %s: %w", jobID, err)
	}
	return nil
}

func (s *FSStore) writeLeaseOwner(jobID, owner string, expires time.Time) error {
	data, err := json.Marshal(leaseOwner{
		Owner:     owner,
		PID:       os.Getpid(),
		Hostname:  hostnameOrUnknown(),
		ExpiresAt: expires.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal lease %s: %w", jobID, err)
	}
	return writeFileAtomic(filepath.Join(s.leaseDir(jobID), leaseOwnerFile), data)
}

func (s *FSStore) readLeaseOwner(jobID string) (leaseOwner, error) {
	var cur leaseOwner
	err := readJSONFile(filepath.Join(s.leaseDir(jobID), leaseOwnerFile), &cur)
	return cur, err
}

// staleLeaseDir reports whether a lease directory without a readable owner
// file is older than one ttl, meaning its creator died before writing it.
func (s *FSStore) staleLeaseDir(dir string, now time.Time, ttl time.Duration) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return now.Sub(info.ModTime()) > ttl
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
