package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

// CallStarter places the outbound call for a claimed job and returns the
// provider call id.
type CallStarter interface {
	StartCall(ctx context.Context, job Job) (string, error)
}

type Metrics interface {
	ClaimResult(tenantID, result string)
	SlotsInUse(tenantID string, n int)
	Reaped(n int)
}

type Config struct {
	// Concurrency is the default per-tenant slot limit.
	Concurrency       int
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	StartTimeout      time.Duration
	// MaxLeaseAge stops heartbeating a lease this long after it was
	// claimed, so a call whose end was never reported is reaped. It should
	// exceed the longest possible call.
	MaxLeaseAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.MaxLeaseAge <= 0 {
		c.MaxLeaseAge = time.Hour
	}
	return c
}

type Dependencies struct {
	Store   Store
	Starter CallStarter
	// Capacity overrides Config.Concurrency for a tenant when it returns a
	// positive value.
	Capacity func(tenantID string) int
	Metrics  Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	Config   Config
}

// Coordinator keeps every tenant's dial slots busy without exceeding the
// tenant's limit.
type Coordinator struct {
	store    Store
	starter  CallStarter
	capacity func(string) int
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]localLease
	wg     sync.WaitGroup
}

type localLease struct {
	token  string
	cancel context.CancelFunc
}

func NewCoordinator(deps Dependencies) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("dialer: store is required")
	}
	if deps.Starter == nil {
		return nil, errors.New("dialer: call starter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    deps.Store,
		starter:  deps.Starter,
		capacity: deps.Capacity,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
		cfg:      deps.Config.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		leases:   make(map[string]localLease),
	}, nil
}

// Limit returns the slot limit for tenantID.
func (c *Coordinator) Limit(tenantID string) int {
	if c.capacity != nil {
		if n := c.capacity(tenantID); n > 0 {
			return n
		}
	}
	return c.cfg.Concurrency
}

// Enqueue stores a job and starts filling the tenant's free slots.
func (c *Coordinator) Enqueue(ctx context.Context, job Job) (Job, error) {
	job, err := c.store.Enqueue(ctx, job)
	if err != nil {
		return Job{}, err
	}
	c.logger.Info("dial job enqueued", "job_id", job.ID, "tenant_id", job.TenantID, "max_attempts", job.MaxAttempts)
	c.refill(job.TenantID)
	return job, nil
}

// Job returns the stored state of a job.
func (c *Coordinator) Job(ctx context.Context, jobID string) (Job, error) {
	return c.store.Get(ctx, jobID)
}

// Fill claims and starts pending jobs for tenantID until the tenant is at its
// limit or has nothing pending. It returns how many calls were started.
// Fill stops at the first call that fails to start; the failed job is
// completed and the next sweep picks up the rest.
func (c *Coordinator) Fill(ctx context.Context, tenantID string) (int, error) {
	limit := c.Limit(tenantID)
	started := 0
	for {
		job, err := c.store.ClaimNext(ctx, tenantID, limit, c.now())
		switch {
		case errors.Is(err, ErrNoCapacity):
			c.metrics.ClaimResult(tenantID, "no_capacity")
			return started, nil
		case errors.Is(err, ErrNoPendingJob):
			return started, nil
		case err != nil:
			c.metrics.ClaimResult(tenantID, "error")
			return started, fmt.Errorf("claim next job for %s: %w", tenantID, err)
		}
		c.metrics.ClaimResult(tenantID, "claimed")
		if err := c.dispatch(ctx, job); err != nil {
			return started, err
		}
		started++
	}
}

// Start claims one specific job and places its call.
func (c *Coordinator) Start(ctx context.Context, jobID string) (Job, error) {
	existing, err := c.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	job, err := c.store.Claim(ctx, jobID, c.Limit(existing.TenantID), c.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyClaimed):
			c.metrics.ClaimResult(existing.TenantID, "already_claimed")
		case errors.Is(err, ErrNoCapacity):
			c.metrics.ClaimResult(existing.TenantID, "no_capacity")
		}
		return Job{}, err
	}
	c.metrics.ClaimResult(job.TenantID, "claimed")
	if err := c.dispatch(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (c *Coordinator) dispatch(ctx context.Context, job Job) error {
	log := c.logger.With("job_id", job.ID, "tenant_id", job.TenantID, "attempt", job.Attempts)

	hbCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.leases[job.ID] = localLease{token: job.LeaseToken, cancel: cancel}
	c.mu.Unlock()
	c.wg.Add(1)
	go c.heartbeat(hbCtx, job, c.now())

	startCtx, cancelStart := context.WithTimeout(ctx, c.cfg.StartTimeout)
	sid, err := c.starter.StartCall(startCtx, job)
	cancelStart()
	if err != nil {
		log.Warn("outbound call failed to start", "error", err)
		c.forget(job.ID, job.LeaseToken)
		out := Outcome{Retryable: core.IsTransient(err), Reason: "start_failed"}
		if _, cerr := c.store.Complete(ctx, job.ID, job.LeaseToken, out, c.now()); cerr != nil {
			log.Error("release failed start", "error", cerr)
		}
		c.reportSlots(ctx, job.TenantID)
		return fmt.Errorf("start call for job %s: %w", job.ID, err)
	}
	log.Info("outbound call started", "call_sid", sid)
	c.reportSlots(ctx, job.TenantID)
	return nil
}

// Complete ends a lease, frees its slot and refills the tenant. It fails
// with ErrLeaseLost when the lease was already completed or reaped.
func (c *Coordinator) Complete(ctx context.Context, jobID, token string, out Outcome) (Job, error) {
	c.forget(jobID, token)
	job, err := c.store.Complete(ctx, jobID, token, out, c.now())
	if err != nil {
		return Job{}, err
	}
	c.logger.Info("dial job completed",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"status", job.Status,
		"reason", out.Reason,
		"attempts", job.Attempts,
	)
	c.reportSlots(ctx, job.TenantID)
	c.refill(job.TenantID)
	return job, nil
}

// refill fills tenantID in the background so callers on a request path or a
// call teardown path never wait on a new call being placed.
func (c *Coordinator) refill(tenantID string) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Fill(c.ctx, tenantID); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("refill failed", "tenant_id", tenantID, "error", err)
		}
	}()
}

func (c *Coordinator) heartbeat(ctx context.Context, job Job, claimedAt time.Time) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := c.now()
			if age := now.Sub(claimedAt); age >= c.cfg.MaxLeaseAge {
				c.logger.Warn("dial lease outlived any call, leaving it to the reaper",
					"job_id", job.ID,
					"tenant_id", job.TenantID,
					"age", age.String(),
				)
				c.forget(job.ID, job.LeaseToken)
				return
			}
			err := c.store.Heartbeat(ctx, job.ID, job.LeaseToken, now)
			switch {
			case errors.Is(err, ErrLeaseLost):
				c.logger.Debug("lease gone, heartbeat stopped", "job_id", job.ID)
				c.forget(job.ID, job.LeaseToken)
				return
			case err != nil && ctx.Err() == nil:
				c.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (c *Coordinator) forget(jobID, token string) {
	c.mu.Lock()
	l, ok := c.leases[jobID]
	if ok && l.token == token {
		delete(c.leases, jobID)
	}
	c.mu.Unlock()
	if ok && l.token == token {
		l.cancel()
	}
}

// Leases returns how many leases this process is heartbeating.
func (c *Coordinator) Leases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leases)
}

func (c *Coordinator) reportSlots(ctx context.Context, tenantID string) {
	n, err := c.store.ActiveSlots(ctx, tenantID)
	if err != nil {
		return
	}
	c.metrics.SlotsInUse(tenantID, n)
}

// Run reaps expired leases and fills every tenant with pending work, once at
// start and then every ReapInterval, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.ReapInterval)
	defer t.Stop()
	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Sweep runs one reaper pass followed by a fill of every pending tenant.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()
	reaped, err := c.store.ReapExpired(ctx, now.Add(-c.cfg.LeaseTimeout), now)
	if err != nil {
		c.logger.Error("reaper sweep failed", "error", err)
	}
	for _, j := range reaped {
		c.logger.Warn("reclaimed stale dial lease",
			"job_id", j.ID,
			"tenant_id", j.TenantID,
			"attempts", j.Attempts,
		)
	}
	if len(reaped) > 0 {
		c.metrics.Reaped(len(reaped))
	}

	tenants, err := c.store.PendingTenants(ctx)
	if err != nil {
		c.logger.Error("list pending tenants", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Fill(ctx, tenantID); err != nil {
			c.logger.Warn("fill failed", "tenant_id", tenantID, "error", err)
		}
	}
}

// Close stops heartbeats and background fills and waits for them. Leases
// held at close are left to expire and be reaped.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

type noopMetrics struct{}

func (noopMetrics) ClaimResult(string, string) {}
func (noopMetrics) SlotsInUse(string, int)     {}
func (noopMetrics) Reaped(int)                 {}
