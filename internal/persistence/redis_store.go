package persistence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conductor/pkg/api"
)

// RedisStore implements ExecutionStore, SLAMonitorStore and DelayStore on
// Redis. It uses the following key structure:
//
//	<prefix>exec:<id>              => JSON-encoded execution
//	<prefix>idx:all                => SET of all execution IDs
//	<prefix>idx:ns:<namespace>     => SET of execution IDs of a namespace
//	<prefix>idx:flow:<ns>/<flow>   => SET of execution IDs of a flow
//	<prefix>lease:<id>             => owner, with a PX expiry
//	<prefix>sla:due                => ZSET "<exec>\x1f<sla>" scored by deadline (ms)
//	<prefix>sla:exec:<id>          => SET of the sla:due members of an execution
//	<prefix>delay:due              => ZSET "<exec>\x1f<delay key>" scored by date (ms)
//	<prefix>delay:exec:<id>        => SET of the delay:due members of an execution
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	batch  int64
}

var (
	_ ExecutionStore  = (*RedisStore)(nil)
	_ SLAMonitorStore = (*RedisStore)(nil)
	_ DelayStore      = (*RedisStore)(nil)
)

const memberSep = "\x1f"

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "conductor:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conductor:"
	}
	return &RedisStore{client: client, prefix: prefix, batch: 100}
}

func (s *RedisStore) keyExecution(id string) string  { return s.prefix + "exec:" + id }
func (s *RedisStore) keyAll() string                 { return s.prefix + "idx:all" }
func (s *RedisStore) keyNamespace(ns string) string  { return s.prefix + "idx:ns:" + ns }
func (s *RedisStore) keyFlow(ns, flow string) string { return s.prefix + "idx:flow:" + ns + "/" + flow }
func (s *RedisStore) keyLease(id string) string      { return s.prefix + "lease:" + id }
func (s *RedisStore) keySLADue() string              { return s.prefix + "sla:due" }
func (s *RedisStore) keySLAExec(id string) string    { return s.prefix + "sla:exec:" + id }
func (s *RedisStore) keyDelayDue() string            { return s.prefix + "delay:due" }
func (s *RedisStore) keyDelayExec(id string) string  { return s.prefix + "delay:exec:" + id }

func (s *RedisStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	data, err := EncodeExecution(exec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyExecution(exec.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), exec.ID)
	pipe.SAdd(ctx, s.keyNamespace(exec.Namespace), exec.ID)
	pipe.SAdd(ctx, s.keyFlow(exec.Namespace, exec.FlowID), exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	data, err := s.client.Get(ctx, s.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return DecodeExecution(data)
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	index := s.keyAll()
	switch {
	case filter.Namespace != "" && filter.FlowID != "":
		index = s.keyFlow(filter.Namespace, filter.FlowID)
	case filter.Namespace != "":
		index = s.keyNamespace(filter.Namespace)
	}
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Execution{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.Execution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		exec, err := DecodeExecution(data)
		if err != nil {
			return nil, err
		}
		// Indexes only narrow the scan; the payload is authoritative.
		if filter.Matches(exec) {
			out = append(out, exec)
		}
	}
	sortExecutions(out)
	return out, nil
}

const (
	// Lua script for acquiring a lease. Returns 1 if acquired, 0 otherwise.
	redisLeaseAcquireLua = `
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`

	// Lua script removing a due member only if its score is unchanged, so a
	// rescheduled delay survives the processing of the previous one.
	redisRemoveIfScoreLua = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
	redis.call('ZREM', KEYS[1], ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`
)

var (
	leaseAcquireScript  = redis.NewScript(redisLeaseAcquireLua)
	leaseRenewScript    = redis.NewScript(redisLeaseRenewLua)
	leaseReleaseScript  = redis.NewScript(redisLeaseReleaseLua)
	removeIfScoreScript = redis.NewScript(redisRemoveIfScoreLua)
)

func (s *RedisStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	n, err := leaseAcquireScript.Run(ctx, s.client, []string{s.keyLease(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	n, err := leaseRenewScript.Run(ctx, s.client, []string{s.keyLease(executionID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrExecutionLocked
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	return leaseReleaseScript.Run(ctx, s.client, []string{s.keyLease(executionID)}, owner).Err()
}

func (s *RedisStore) SaveMonitor(ctx context.Context, m api.SLAMonitor) error {
	member := m.ExecutionID + memberSep + m.SLAID
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.keySLADue(), redis.Z{Score: float64(m.Deadline.UnixMilli()), Member: member})
	pipe.SAdd(ctx, s.keySLAExec(m.ExecutionID), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PurgeMonitors(ctx context.Context, executionID string) error {
	return s.purge(ctx, s.keySLADue(), s.keySLAExec(executionID))
}

func (s *RedisStore) ProcessExpiredMonitors(ctx context.Context, now time.Time, fn func(api.SLAMonitor) error) error {
	return s.processDue(ctx, s.keySLADue(), now, s.keySLAExec, func(execID, rest string, due time.Time) error {
		return fn(api.SLAMonitor{ExecutionID: execID, SLAID: rest, Deadline: due})
	})
}

func (s *RedisStore) SaveDelay(ctx context.Context, d api.ExecutionDelay) error {
	member := d.ExecutionID + memberSep + d.Key()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.keyDelayDue(), redis.Z{Score: float64(d.Date.UnixMilli()), Member: member})
	pipe.SAdd(ctx, s.keyDelayExec(d.ExecutionID), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PurgeDelays(ctx context.Context, executionID string) error {
	return s.purge(ctx, s.keyDelayDue(), s.keyDelayExec(executionID))
}

func (s *RedisStore) ProcessExpiredDelays(ctx context.Context, now time.Time, fn func(api.ExecutionDelay) error) error {
	return s.processDue(ctx, s.keyDelayDue(), now, s.keyDelayExec, func(execID, key string, due time.Time) error {
		d, err := parseDelayKey(key)
		if err != nil {
			return err
		}
		d.ExecutionID = execID
		d.Date = due
		return fn(d)
	})
}

func (s *RedisStore) purge(ctx context.Context, dueKey, execKey string) error {
	members, err := s.client.SMembers(ctx, execKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.ZRem(ctx, dueKey, args...)
	}
	pipe.Del(ctx, execKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) processDue(ctx context.Context, dueKey string, now time.Time, execKey func(string) string, fn func(execID, rest string, due time.Time) error) error {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return err
	}
	for _, z := range entries {
		member, _ := z.Member.(string)
		execID, rest, ok := strings.Cut(member, memberSep)
		if !ok {
			continue
		}
		if err := fn(execID, rest, time.UnixMilli(int64(z.Score)).UTC()); err != nil {
			return err
		}
		if err := removeIfScoreScript.Run(ctx, s.client, []string{dueKey, execKey(execID)}, member, z.Score).Err(); err != nil {
			return err
		}
	}
	return nil
}

// parseDelayKey reverses api.ExecutionDelay.Key.
func parseDelayKey(key string) (api.ExecutionDelay, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return api.ExecutionDelay{}, errors.New("malformed delay key " + strconv.Quote(key))
	}
	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return api.ExecutionDelay{}, err
	}
	return api.ExecutionDelay{Kind: api.DelayKind(parts[0]), TaskRunID: parts[1], Attempt: attempt}, nil
}
