package dialer

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// reaperLockKey serializes reaper sweeps across processes sharing a database.
const reaperLockKey int64 = 0x63616c6c62726467

const jobColumns = `id, tenant_id, to_number, from_number, status, attempts, max_attempts,
	lease_token, heartbeat_at, last_error, created_at, updated_at`

// OpenPostgres connects a pool and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded dialer schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// PostgresStore keeps jobs in dial_jobs and the per-tenant slot counter in
// dial_slots. A claim increments the counter with a conditional upsert and
// takes the job with FOR UPDATE SKIP LOCKED inside one transaction, so a
// failed job claim never leaves a slot behind.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Enqueue(ctx context.Context, job Job) (Job, error) {
	job, err := job.Normalize(time.Now())
	if err != nil {
		return Job{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO dial_jobs (id, tenant_id, to_number, from_number, status, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $6)
		RETURNING `+jobColumns,
		job.ID, job.TenantID, job.To, job.From, job.MaxAttempts, job.CreatedAt)
	out, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Job{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
		}
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM dial_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *PostgresStore) ClaimNext(ctx context.Context, tenantID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	var job Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := takeSlot(ctx, tx, tenantID, limit); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE dial_jobs
			SET status = 'claimed', attempts = attempts + 1, lease_token = $2, heartbeat_at = $3, updated_at = $3
			WHERE id = (
				SELECT id FROM dial_jobs
				WHERE tenant_id = $1 AND status = 'pending'
				ORDER BY created_at, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			tenantID, newLeaseToken(), now)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoPendingJob
		}
		job = j
		return err
	})
	return job, err
}

func (s *PostgresStore) Claim(ctx context.Context, jobID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	var job Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var tenantID string
		var status Status
		err := tx.QueryRow(ctx, `SELECT tenant_id, status FROM dial_jobs WHERE id = $1 FOR UPDATE`, jobID).
			Scan(&tenantID, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if status != StatusPending {
			return ErrAlreadyClaimed
		}
		if err := takeSlot(ctx, tx, tenantID, limit); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			UPDATE dial_jobs
			SET status = 'claimed', attempts = attempts + 1, lease_token = $2, heartbeat_at = $3, updated_at = $3
			WHERE id = $1
			RETURNING `+jobColumns,
			jobID, newLeaseToken(), now)
		job, err = scanJob(row)
		return err
	})
	return job, err
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID, token string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dial_jobs SET heartbeat_at = $3
		WHERE id = $1 AND status = 'claimed' AND lease_token = $2 AND lease_token <> ''`,
		jobID, token, now)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, token string, out Outcome, now time.Time) (Job, error) {
	var job Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var tenantID string
		var attempts, maxAttempts int
		err := tx.QueryRow(ctx, `
			SELECT tenant_id, attempts, max_attempts FROM dial_jobs
			WHERE id = $1 AND status = 'claimed' AND lease_token = $2 AND lease_token <> ''
			FOR UPDATE`, jobID, token).Scan(&tenantID, &attempts, &maxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		if err := releaseSlots(ctx, tx, tenantID, 1); err != nil {
			return err
		}
		lastError := ""
		if !out.Success {
			lastError = out.Reason
		}
		row := tx.QueryRow(ctx, `
			UPDATE dial_jobs SET status = $2, lease_token = '', last_error = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+jobColumns,
			jobID, out.next(attempts, maxAttempts), lastError, now)
		job, err = scanJob(row)
		return err
	})
	return job, err
}

func (s *PostgresStore) ReapExpired(ctx context.Context, cutoff, now time.Time) ([]Job, error) {
	var reaped []Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, reaperLockKey).Scan(&locked); err != nil {
			return err
		}
		if !locked {
			return nil
		}
		rows, err := tx.Query(ctx, `
			UPDATE dial_jobs
			SET status = 'pending', lease_token = '', last_error = 'lease expired', updated_at = $2
			WHERE id IN (
				SELECT id FROM dial_jobs
				WHERE status = 'claimed' AND heartbeat_at < $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			cutoff, now)
		if err != nil {
			return err
		}
		reaped, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
			return scanJob(row)
		})
		if err != nil {
			return err
		}
		perTenant := make(map[string]int)
		for _, j := range reaped {
			perTenant[j.TenantID]++
		}
		for tenantID, n := range perTenant {
			if err := releaseSlots(ctx, tx, tenantID, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reap expired leases: %w", err)
	}
	return reaped, nil
}

func (s *PostgresStore) ActiveSlots(ctx context.Context, tenantID string) (int, error) {
	var active int
	err := s.pool.QueryRow(ctx, `SELECT active FROM dial_slots WHERE tenant_id = $1`, tenantID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return active, err
}

func (s *PostgresStore) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM dial_jobs WHERE status = 'pending' ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// takeSlot increments the tenant's slot counter unless it is already at
// limit. The conditional upsert is the compare-and-set.
func takeSlot(ctx context.Context, tx pgx.Tx, tenantID string, limit int) error {
	var active int
	err := tx.QueryRow(ctx, `
		INSERT INTO dial_slots (tenant_id, active) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET active = dial_slots.active + 1
		WHERE dial_slots.active < $2
		RETURNING active`, tenantID, limit).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoCapacity
	}
	if err != nil {
		return fmt.Errorf("take slot: %w", err)
	}
	return nil
}

func releaseSlots(ctx context.Context, tx pgx.Tx, tenantID string, n int) error {
	_, err := tx.Exec(ctx, `UPDATE dial_slots SET active = GREATEST(active - $2, 0) WHERE tenant_id = $1`, tenantID, n)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var heartbeat *time.Time
	err := row.Scan(&j.ID, &j.TenantID, &j.To, &j.From, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LeaseToken, &heartbeat, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	if heartbeat != nil {
		j.HeartbeatAt = *heartbeat
	}
	return j, nil
}
