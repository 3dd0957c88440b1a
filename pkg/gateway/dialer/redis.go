package dialer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout under the store prefix:
//
//	job:<id>         hash of job fields
//	pending:<tenant> list of pending job ids, oldest first
//	slots:<tenant>   sorted set of claimed job ids scored by heartbeat
//	leases           sorted set of every claimed job id scored by heartbeat
//	tenants          set of tenants that ever enqueued
//
// Every slot or status transition runs inside one Lua script.
// TODO: hash-tag the per-tenant keys so the scripts can run on Redis Cluster.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "callbridge:dialer:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string         { return s.prefix + "job:" + id }
func (s *RedisStore) pendingKey(tenant string) string { return s.prefix + "pending:" + tenant }
func (s *RedisStore) slotsKey(tenant string) string   { return s.prefix + "slots:" + tenant }
func (s *RedisStore) leasesKey() string               { return s.prefix + "leases" }
func (s *RedisStore) tenantsKey() string              { return s.prefix + "tenants" }

// KEYS: job, pending, tenants. ARGV: id, tenant, to, from, max_attempts, now.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'tenant_id', ARGV[2], 'to', ARGV[3], 'from', ARGV[4],
	'status', 'pending', 'attempts', '0', 'max_attempts', ARGV[5],
	'lease_token', '', 'heartbeat_at', '0', 'last_error', '',
	'created_at', ARGV[6], 'updated_at', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// KEYS: slots, pending, leases. ARGV: limit, token, now, job key prefix.
var claimNextScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
	return {'no_capacity'}
end
while true do
	local id = redis.call('LPOP', KEYS[2])
	if not id then
		return {'no_pending'}
	end
	local key = ARGV[4] .. id
	if redis.call('HGET', key, 'status') == 'pending' then
		redis.call('HSET', key, 'status', 'claimed', 'lease_token', ARGV[2],
			'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('ZADD', KEYS[1], ARGV[3], id)
		redis.call('ZADD', KEYS[3], ARGV[3], id)
		return {'ok', id}
	end
end
`)

// KEYS: job, slots, pending, leases. ARGV: limit, token, now, id.
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return {'not_found'}
end
if status ~= 'pending' then
	return {'claimed'}
end
if redis.call('ZCARD', KEYS[2]) >= tonumber(ARGV[1]) then
	return {'no_capacity'}
end
redis.call('LREM', KEYS[3], 0, ARGV[4])
redis.call('HSET', KEYS[1], 'status', 'claimed', 'lease_token', ARGV[2],
	'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[4])
return {'ok', ARGV[4]}
`)

// KEYS: job, slots, leases. ARGV: token, now, id.
var heartbeatScript = redis.NewScript(`
if ARGV[1] == '' or redis.call('HGET', KEYS[1], 'status') ~= 'claimed'
	or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], 'XX', ARGV[2], ARGV[3])
return 1
`)

// KEYS: job, slots, pending, leases.
// ARGV: token, now, id, success, retryable, reason.
var completeScript = redis.NewScript(`
if ARGV[1] == '' or redis.call('HGET', KEYS[1], 'status') ~= 'claimed'
	or redis.call('HGET', KEYS[1], 'lease_token') ~= ARGV[1] then
	return 'lease_lost'
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[3])
local nextStatus = 'completed'
local lastError = ''
if ARGV[4] ~= '1' then
	lastError = ARGV[6]
	local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
	local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
	if ARGV[5] == '1' and attempts < maxAttempts then
		nextStatus = 'pending'
	else
		nextStatus = 'failed'
	end
end
redis.call('HSET', KEYS[1], 'status', nextStatus, 'lease_token', '', 'last_error', lastError, 'updated_at', ARGV[2])
if nextStatus == 'pending' then
	redis.call('RPUSH', KEYS[3], ARGV[3])
end
return nextStatus
`)

// KEYS: job, slots, pending, leases. ARGV: cutoff, now, id.
var reapScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'claimed' then
	redis.call('ZREM', KEYS[4], ARGV[3])
	return 0
end
local hb = tonumber(redis.call('HGET', KEYS[1], 'heartbeat_at'))
if hb and hb >= tonumber(ARGV[1]) then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[3])
redis.call('HSET', KEYS[1], 'status', 'pending', 'lease_token', '',
	'last_error', 'lease expired', 'updated_at', ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[3])
return 1
`)

func (s *RedisStore) Enqueue(ctx context.Context, job Job) (Job, error) {
	job, err := job.Normalize(time.Now())
	if err != nil {
		return Job{}, err
	}
	keys := []string{s.jobKey(job.ID), s.pendingKey(job.TenantID), s.tenantsKey()}
	added, err := enqueueScript.Run(ctx, s.rdb, keys,
		job.ID, job.TenantID, job.To, job.From, job.MaxAttempts, millis(job.CreatedAt)).Int()
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	if added == 0 {
		return Job{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}
	return s.Get(ctx, job.ID)
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobFromHash(fields)
}

func (s *RedisStore) ClaimNext(ctx context.Context, tenantID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	keys := []string{s.slotsKey(tenantID), s.pendingKey(tenantID), s.leasesKey()}
	res, err := claimNextScript.Run(ctx, s.rdb, keys, limit, newLeaseToken(), millis(now), s.prefix+"job:").StringSlice()
	if err != nil {
		return Job{}, fmt.Errorf("claim next job: %w", err)
	}
	return s.claimResult(ctx, res)
}

func (s *RedisStore) Claim(ctx context.Context, jobID string, limit int, now time.Time) (Job, error) {
	if limit <= 0 {
		return Job{}, ErrInvalidLimit
	}
	tenantID, err := s.tenantOf(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	keys := []string{s.jobKey(jobID), s.slotsKey(tenantID), s.pendingKey(tenantID), s.leasesKey()}
	res, err := claimScript.Run(ctx, s.rdb, keys, limit, newLeaseToken(), millis(now), jobID).StringSlice()
	if err != nil {
		return Job{}, fmt.Errorf("claim job: %w", err)
	}
	return s.claimResult(ctx, res)
}

func (s *RedisStore) claimResult(ctx context.Context, res []string) (Job, error) {
	if len(res) == 0 {
		return Job{}, errors.New("claim script returned nothing")
	}
	switch res[0] {
	case "ok":
		return s.Get(ctx, res[1])
	case "no_capacity":
		return Job{}, ErrNoCapacity
	case "no_pending":
		return Job{}, ErrNoPendingJob
	case "claimed":
		return Job{}, ErrAlreadyClaimed
	case "not_found":
		return Job{}, ErrJobNotFound
	default:
		return Job{}, fmt.Errorf("claim script returned %q", res[0])
	}
}

func (s *RedisStore) Heartbeat(ctx context.Context, jobID, token string, now time.Time) error {
	tenantID, err := s.tenantOf(ctx, jobID)
	if err != nil {
		return err
	}
	keys := []string{s.jobKey(jobID), s.slotsKey(tenantID), s.leasesKey()}
	ok, err := heartbeatScript.Run(ctx, s.rdb, keys, token, millis(now), jobID).Int()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, jobID, token string, out Outcome, now time.Time) (Job, error) {
	tenantID, err := s.tenantOf(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	keys := []string{s.jobKey(jobID), s.slotsKey(tenantID), s.pendingKey(tenantID), s.leasesKey()}
	next, err := completeScript.Run(ctx, s.rdb, keys,
		token, millis(now), jobID, flag(out.Success), flag(out.Retryable), out.Reason).Text()
	if err != nil {
		return Job{}, fmt.Errorf("complete job: %w", err)
	}
	if next == "lease_lost" {
		return Job{}, ErrLeaseLost
	}
	return s.Get(ctx, jobID)
}

func (s *RedisStore) ReapExpired(ctx context.Context, cutoff, now time.Time) ([]Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(millis(cutoff), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan leases: %w", err)
	}
	var reaped []Job
	for _, id := range ids {
		tenantID, err := s.tenantOf(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			s.rdb.ZRem(ctx, s.leasesKey(), id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		keys := []string{s.jobKey(id), s.slotsKey(tenantID), s.pendingKey(tenantID), s.leasesKey()}
		n, err := reapScript.Run(ctx, s.rdb, keys, millis(cutoff), millis(now), id).Int()
		if err != nil {
			return reaped, fmt.Errorf("reap %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		j, err := s.Get(ctx, id)
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, j)
	}
	return reaped, nil
}

func (s *RedisStore) ActiveSlots(ctx context.Context, tenantID string) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.slotsKey(tenantID)).Result()
	return int(n), err
}

func (s *RedisStore) PendingTenants(ctx context.Context) ([]string, error) {
	tenants, err := s.rdb.SMembers(ctx, s.tenantsKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range tenants {
		n, err := s.rdb.LLen(ctx, s.pendingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *RedisStore) tenantOf(ctx context.Context, jobID string) (string, error) {
	tenantID, err := s.rdb.HGet(ctx, s.jobKey(jobID), "tenant_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load job tenant: %w", err)
	}
	return tenantID, nil
}

func jobFromHash(h map[string]string) (Job, error) {
	j := Job{
		ID:         h["id"],
		TenantID:   h["tenant_id"],
		To:         h["to"],
		From:       h["from"],
		Status:     Status(h["status"]),
		LeaseToken: h["lease_token"],
		LastError:  h["last_error"],
	}
	var err error
	if j.Attempts, err = strconv.Atoi(h["attempts"]); err != nil {
		return Job{}, fmt.Errorf("job %s attempts: %w", j.ID, err)
	}
	if j.MaxAttempts, err = strconv.Atoi(h["max_attempts"]); err != nil {
		return Job{}, fmt.Errorf("job %s max_attempts: %w", j.ID, err)
	}
	for field, dst := range map[string]*time.Time{
		"heartbeat_at": &j.HeartbeatAt,
		"created_at":   &j.CreatedAt,
		"updated_at":   &j.UpdatedAt,
	} {
		ms, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			return Job{}, fmt.Errorf("job %s %s: %w", j.ID, field, err)
		}
		if ms > 0 {
			*dst = time.UnixMilli(ms)
		}
	}
	return j, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
