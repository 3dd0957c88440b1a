// Package dialer enforces per-tenant outbound concurrency and guarantees each
// queued dial target is claimed by at most one worker at a time.
//
// A claim takes a dial slot and moves a job from pending to claimed under a
// fresh lease token in one atomic step. Completing the lease frees the slot
// and the coordinator immediately claims the tenant's next pending job. A
// claimed job that stops heartbeating is returned to pending by the reaper.
package dialer

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrNoCapacity means the tenant already holds its maximum number of
	// dial slots.
	ErrNoCapacity = errors.New("dial slots exhausted")
	// ErrNoPendingJob means the tenant has nothing left to dial.
	ErrNoPendingJob = errors.New("no pending job")
	// ErrAlreadyClaimed means the job is not pending.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrLeaseLost means the lease token no longer owns the job, either
	// because it completed or because the reaper reclaimed it.
	ErrLeaseLost    = errors.New("lease lost")
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidJob   = errors.New("invalid job")
	ErrInvalidLimit = errors.New("slot limit must be positive")
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job will never be dialed again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one dial target.
type Job struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	To          string    `json:"to"`
	From        string    `json:"from,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LeaseToken  string    `json:"-"`
	HeartbeatAt time.Time `json:"heartbeat_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewJobID returns a lexically sortable job id.
func NewJobID() string {
	return "job_" + strings.ToLower(ulid.Make().String())
}

// Normalize fills defaults and validates a job before it is enqueued.
func (j Job) Normalize(now time.Time) (Job, error) {
	j.TenantID = strings.TrimSpace(j.TenantID)
	j.To = strings.TrimSpace(j.To)
	j.From = strings.TrimSpace(j.From)
	if j.TenantID == "" {
		return Job{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidJob)
	}
	if !isE164(j.To) {
		return Job{}, fmt.Errorf("%w: to must be in E.164 format", ErrInvalidJob)
	}
	if j.From != "" && !isE164(j.From) {
		return Job{}, fmt.Errorf("%w: from must be in E.164 format", ErrInvalidJob)
	}
	if j.ID == "" {
		j.ID = NewJobID()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 1
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.LeaseToken = ""
	j.HeartbeatAt = time.Time{}
	j.CreatedAt = now
	j.UpdatedAt = now
	return j, nil
}

func isE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

// Outcome is how a claimed job ended.
type Outcome struct {
	Success bool
	// Retryable failures go back to pending while attempts remain.
	Retryable bool
	Reason    string
}

// OutcomeFromCallStatus maps a provider call status to an outcome. It
// reports false for statuses that are not terminal.
func OutcomeFromCallStatus(status string) (Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed":
		return Outcome{Success: true, Reason: "completed"}, true
	case "busy":
		return Outcome{Retryable: true, Reason: "busy"}, true
	case "no-answer":
		return Outcome{Retryable: true, Reason: "no-answer"}, true
	case "failed":
		return Outcome{Reason: "failed"}, true
	case "canceled":
		return Outcome{Reason: "canceled"}, true
	default:
		return Outcome{}, false
	}
}

// next returns the status a claimed job moves to after out.
func (o Outcome) next(attempts, maxAttempts int) Status {
	switch {
	case o.Success:
		return StatusCompleted
	case o.Retryable && attempts < maxAttempts:
		return StatusPending
	default:
		return StatusFailed
	}
}
