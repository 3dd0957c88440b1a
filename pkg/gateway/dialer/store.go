package dialer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the single claim abstraction over dial slots and jobs. Every
// method that touches a slot or a job status is atomic with respect to every
// other caller of the same backing store, including other processes.
type Store interface {
	Enqueue(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
	// ClaimNext takes a slot and the tenant's oldest pending job. It fails
	// with ErrNoCapacity when the tenant holds limit slots and with
	// ErrNoPendingJob when nothing is queued; neither consumes a slot.
	ClaimNext(ctx context.Context, tenantID string, limit int, now time.Time) (Job, error)
	// Claim takes a slot and one specific job, failing with
	// ErrAlreadyClaimed unless the job is pending.
	Claim(ctx context.Context, jobID string, limit int, now time.Time) (Job, error)
	Heartbeat(ctx context.Context, jobID, token string, now time.Time) error
	// Complete frees the lease's slot and records the outcome. The returned
	// job carries the status it moved to.
	Complete(ctx context.Context, jobID, token string, out Outcome, now time.Time) (Job, error)
	// ReapExpired returns every claimed job whose last heartbeat is older
	// than cutoff to pending and frees its slot.
	ReapExpired(ctx context.Context, cutoff, now time.Time) ([]Job, error)
	ActiveSlots(ctx context.Context, tenantID string) (int, error)
	PendingTenants(ctx context.Context) ([]string, error)
}

func newLeaseToken() string {
	return uuid.NewString()
}

// MemoryStore keeps jobs in process. It is safe for concurrent use and is the
// store used when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string][]string
	slots   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		pending: make(map[string][]string),
		slots:   make(map[string]int),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, job Job) (Job, error) {
	job, err := job.Normalize(time.Now())
	if err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return Job{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.pending[job.TenantID] = append(s.pending[job.TenantID], job.ID)
	return job, nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, tenantID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[tenantID] >= limit {
		return Job{}, ErrNoCapacity
	}
	queue := s.pending[tenantID]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		j, ok := s.jobs[id]
		if !ok || j.Status != StatusPending {
			continue
		}
		s.pending[tenantID] = queue
		return s.claimLocked(j, now), nil
	}
	delete(s.pending, tenantID)
	return Job{}, ErrNoPendingJob
}

func (s *MemoryStore) Claim(_ context.Context, jobID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if j.Status != StatusPending {
		return Job{}, ErrAlreadyClaimed
	}
	if s.slots[j.TenantID] >= limit {
		return Job{}, ErrNoCapacity
	}
	s.pending[j.TenantID] = slices.DeleteFunc(s.pending[j.TenantID], func(id string) bool { return id == jobID })
	return s.claimLocked(j, now), nil
}

func (s *MemoryStore) claimLocked(j *Job, now time.Time) Job {
	s.slots[j.TenantID]++
	j.Status = StatusClaimed
	j.Attempts++
	j.LeaseToken = newLeaseToken()
	j.HeartbeatAt = now
	j.UpdatedAt = now
	return *j
}

func (s *MemoryStore) Heartbeat(_ context.Context, jobID, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leasedLocked(jobID, token)
	if err != nil {
		return err
	}
	j.HeartbeatAt = now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID, token string, out Outcome, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leasedLocked(jobID, token)
	if err != nil {
		return Job{}, err
	}
	s.releaseLocked(j.TenantID)
	j.Status = out.next(j.Attempts, j.MaxAttempts)
	j.LeaseToken = ""
	j.LastError = ""
	if !out.Success {
		j.LastError = out.Reason
	}
	j.UpdatedAt = now
	if j.Status == StatusPending {
		s.pending[j.TenantID] = append(s.pending[j.TenantID], j.ID)
	}
	return *j, nil
}

func (s *MemoryStore) ReapExpired(_ context.Context, cutoff, now time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []Job
	for _, j := range s.jobs {
		if j.Status != StatusClaimed || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		s.releaseLocked(j.TenantID)
		j.Status = StatusPending
		j.LeaseToken = ""
		j.LastError = "lease expired"
		j.UpdatedAt = now
		s.pending[j.TenantID] = append([]string{j.ID}, s.pending[j.TenantID]...)
		reaped = append(reaped, *j)
	}
	return reaped, nil
}

func (s *MemoryStore) ActiveSlots(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[tenantID], nil
}

func (s *MemoryStore) PendingTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for tenant, queue := range s.pending {
		if len(queue) > 0 {
			out = append(out, tenant)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) leasedLocked(jobID, token string) (*Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != StatusClaimed || token == "" || j.LeaseToken != token {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (s *MemoryStore) releaseLocked(tenantID string) {
	if s.slots[tenantID] <= 1 {
		delete(s.slots, tenantID)
		return
	}
	s.slots[tenantID]--
}
