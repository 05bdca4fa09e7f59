package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/queuectl/internal/domain"
)

// Redis keeps each job in a hash and indexes it three ways:
//
//	<prefix>job:<id>      hash of job fields
//	<prefix>state:<state> set of ids per state
//	<prefix>delayed       zset of pending ids scored by run_at
//	<prefix>ready         zset of due pending ids scored by created_at
//
// Every mutation is a single Lua script. All keys share one hash tag so the
// scripts stay on one cluster slot.
type Redis struct {
	rdb    *r.Client
	prefix string
}

const promoteBatch = 1000

var insertScript = r.NewScript(`
local key = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('EXISTS', key) == 1 then
  return 0
end
redis.call('HSET', key, unpack(ARGV, 5))
redis.call('SADD', ARGV[1] .. 'state:' .. ARGV[3], ARGV[2])
if ARGV[3] == 'pending' then
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
end
return 1
`)

var claimScript = r.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  local created = redis.call('HGET', ARGV[2] .. 'job:' .. id, 'created_at')
  if created then
    redis.call('ZADD', KEYS[2], created, id)
  end
  redis.call('ZREM', KEYS[1], id)
end
local top = redis.call('ZRANGE', KEYS[2], 0, 0)
if #top == 0 then
  return false
end
local id = top[1]
local key = ARGV[2] .. 'job:' .. id
redis.call('ZREM', KEYS[2], id)
redis.call('HSET', key, 'state', 'processing', 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('SMOVE', ARGV[2] .. 'state:pending', ARGV[2] .. 'state:processing', id)
return redis.call('HGETALL', key)
`)

var transitionScript = r.NewScript(`
local key = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('HGET', key, 'state') ~= ARGV[3] then
  return false
end
if ARGV[10] ~= '' then
  local cur = redis.call('HMGET', key, 'attempts', 'updated_at')
  if cur[1] ~= ARGV[10] or cur[2] ~= ARGV[11] then
    return false
  end
end
redis.call('HSET', key, 'state', ARGV[4], 'updated_at', ARGV[5])
if ARGV[6] ~= '' then
  redis.call('HSET', key, 'run_at', ARGV[6])
end
if ARGV[7] == '1' then
  redis.call('HSET', key, 'attempts', 0)
end
if ARGV[8] == '1' then
  redis.call('HSET', key, 'last_error', ARGV[9])
end
redis.call('SMOVE', ARGV[1] .. 'state:' .. ARGV[3], ARGV[1] .. 'state:' .. ARGV[4], ARGV[2])
if ARGV[3] == 'pending' then
  redis.call('ZREM', KEYS[1], ARGV[2])
  redis.call('ZREM', KEYS[2], ARGV[2])
end
if ARGV[4] == 'pending' then
  redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'run_at'), ARGV[2])
end
return redis.call('HGETALL', key)
`)

// RedisKeyPrefix wraps name in a hash tag unless it already carries one.
func RedisKeyPrefix(name string) string {
	if name == "" {
		name = "queuectl"
	}
	if strings.Contains(name, "{") && strings.Contains(name, "}") {
		return name + ":"
	}
	return "{" + name + "}:"
}

func NewRedis(rdb *r.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: RedisKeyPrefix(prefix)}
}

func OpenRedis(ctx context.Context, opts *r.Options, prefix string) (*Redis, error) {
	rdb := r.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func (q *Redis) Close() error { return q.rdb.Close() }

func (q *Redis) key(parts ...string) string { return q.prefix + strings.Join(parts, ":") }

func (q *Redis) Insert(ctx context.Context, j *domain.Job) error {
	fields := []any{
		"id", j.ID,
		"command", j.Command,
		"state", string(j.State),
		"attempts", j.Attempts,
		"run_at", j.RunAt.UnixMicro(),
		"created_at", j.CreatedAt.UnixMicro(),
		"updated_at", j.UpdatedAt.UnixMicro(),
	}
	if j.MaxRetries != nil {
		fields = append(fields, "max_retries", *j.MaxRetries)
	}
	if j.LastError != nil {
		fields = append(fields, "last_error", *j.LastError)
	}
	args := append([]any{q.prefix, j.ID, string(j.State), j.RunAt.UnixMicro()}, fields...)

	n, err := insertScript.Run(ctx, q.rdb, []string{q.key("delayed")}, args...).Int()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("insert job %s: %w", j.ID, domain.ErrConflict)
	}
	return nil
}

func (q *Redis) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("ready")},
		now.UnixMicro(), q.prefix, promoteBatch,
	).Slice()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	j, err := jobFromHash(pairs(res))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (q *Redis) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Job, error) {
	runAt := ""
	if t.RunAt != nil {
		runAt = strconv.FormatInt(t.RunAt.UnixMicro(), 10)
	}
	reset, hasErr, lastErr := "0", "0", ""
	if t.ResetAttempts {
		reset = "1"
	}
	if t.LastError != nil {
		hasErr, lastErr = "1", *t.LastError
	}
	claimAttempts, claimedAt := "", ""
	if t.Claim != nil {
		claimAttempts = strconv.Itoa(t.Claim.Attempts)
		claimedAt = strconv.FormatInt(t.Claim.ClaimedAt.UnixMicro(), 10)
	}

	res, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("ready")},
		q.prefix, id, string(t.From), string(t.To), t.At.UnixMicro(), runAt, reset, hasErr, lastErr,
		claimAttempts, claimedAt,
	).Slice()
	if errors.Is(err, r.Nil) {
		return nil, fmt.Errorf("transition job %s %s->%s: %w", id, t.From, t.To, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	j, err := jobFromHash(pairs(res))
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	return j, nil
}

func (q *Redis) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.key("job", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("find job %s: %w", id, domain.ErrNotFound)
	}
	return jobFromHash(m)
}

func (q *Redis) FindMany(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	states := domain.States
	if f.State != nil {
		states = []domain.State{*f.State}
	}

	var ids []string
	for _, st := range states {
		members, err := q.rdb.SMembers(ctx, q.key("state", string(st))).Result()
		if err != nil {
			return nil, fmt.Errorf("find jobs: %w", err)
		}
		ids = append(ids, members...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*r.MapStringStringCmd, len(ids))
	_, err := q.rdb.Pipelined(ctx, func(pipe r.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.key("job", id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}

	out := make([]domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		j, err := jobFromHash(m)
		if err != nil {
			return nil, fmt.Errorf("find jobs: %w", err)
		}
		if f.Matches(j) {
			out = append(out, *j)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].CreatedAt, out[b].CreatedAt
		if f.OrderBy == domain.OrderUpdated {
			ta, tb = out[a].UpdatedAt, out[b].UpdatedAt
		}
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *Redis) CountByState(ctx context.Context) (map[domain.State]int, error) {
	cmds := make(map[domain.State]*r.IntCmd, len(domain.States))
	_, err := q.rdb.Pipelined(ctx, func(pipe r.Pipeliner) error {
		for _, st := range domain.States {
			cmds[st] = pipe.SCard(ctx, q.key("state", string(st)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[domain.State]int, len(cmds))
	for st, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			out[st] = int(n)
		}
	}
	return out, nil
}

func pairs(vals []any) map[string]string {
	m := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		m[fmt.Sprint(vals[i])] = fmt.Sprint(vals[i+1])
	}
	return m
}

func jobFromHash(m map[string]string) (*domain.Job, error) {
	micros := func(field string) (time.Time, error) {
		n, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", field, err)
		}
		return fromMicros(n), nil
	}

	attempts, err := strconv.Atoi(m["attempts"])
	if err != nil {
		return nil, fmt.Errorf("field attempts: %w", err)
	}
	j := &domain.Job{
		ID:       m["id"],
		Command:  m["command"],
		State:    domain.State(m["state"]),
		Attempts: attempts,
	}
	if j.RunAt, err = micros("run_at"); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = micros("created_at"); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = micros("updated_at"); err != nil {
		return nil, err
	}
	if v, ok := m["max_retries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("field max_retries: %w", err)
		}
		j.MaxRetries = &n
	}
	if v, ok := m["last_error"]; ok {
		j.LastError = &v
	}
	return j, nil
}
