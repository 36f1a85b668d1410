package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// completeScript moves every record of a workflow to a common expiry,
// leaving records that already expire sooner alone.
//
// KEYS[1] = workflow index set
// ARGV[1] = expire_at, Unix milliseconds
// ARGV[2] = record key prefix (task id is appended)
//
// Returns the number of records updated.
var completeScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(members) do
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    local cur = tonumber(redis.call('HGET', key, 'expire_at'))
    if not cur or cur > tonumber(ARGV[1]) then
      redis.call('HSET', key, 'expire_at', ARGV[1])
      redis.call('PEXPIREAT', key, ARGV[1])
    end
    n = n + 1
  end
end
if n > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore keeps each record in a hash and each workflow's task ids in a
// set. Keys of one workflow share a hash tag so they land in the same
// cluster slot:
//
//	<prefix>:{<workflowID>}:tasks        set of task ids
//	<prefix>:{<workflowID>}:task:<id>    hash: value, task_name, expire_at
//
// Redis expires records itself; CleanExpired only prunes index entries
// whose records are gone.
type RedisStore struct {
	client    redis.UniversalClient
	ownClient bool
	prefix    string
	now       func() time.Time
	logger    logr.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to a single Redis server at addr.
func NewRedisStore(ctx context.Context, addr string, opts ...Option) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	s := newRedisStore(client, opts)
	s.ownClient = true
	if err := s.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Disconnect leaves the
// client open.
func NewRedisStoreFromClient(client redis.UniversalClient, opts ...Option) *RedisStore {
	return newRedisStore(client, opts)
}

func newRedisStore(client redis.UniversalClient, opts []Option) *RedisStore {
	o := applyOptions(opts)
	return &RedisStore{
		client: client,
		prefix: strings.TrimSuffix(o.prefix, ":"),
		now:    o.now,
		logger: o.logger,
	}
}

func (s *RedisStore) indexKey(workflowID string) string {
	return fmt.Sprintf("%s:{%s}:tasks", s.prefix, workflowID)
}

func (s *RedisStore) recordPrefix(workflowID string) string {
	return fmt.Sprintf("%s:{%s}:task:", s.prefix, workflowID)
}

func (s *RedisStore) recordKey(workflowID, taskID string) string {
	return s.recordPrefix(workflowID) + taskID
}

// Connect pings the server.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Disconnect closes the client if the store created it.
func (s *RedisStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// IsConnected pings the server.
func (s *RedisStore) IsConnected(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.closed && s.client.Ping(ctx).Err() == nil
}

// Find returns a live record.
func (s *RedisStore) Find(ctx context.Context, workflowID, taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	fields, err := s.client.HGetAll(ctx, s.recordKey(workflowID, taskID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to find %s/%s: %w", workflowID, taskID, err)
	}
	rec, ok := s.decode(workflowID, taskID, fields)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// FindAll returns the live records of a workflow ordered by task id.
func (s *RedisStore) FindAll(ctx context.Context, workflowID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow %s: %w", workflowID, err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(workflowID, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", workflowID, err)
	}

	out := make([]Record, 0, len(ids))
	for i, cmd := range cmds {
		if rec, ok := s.decode(workflowID, ids[i], cmd.Val()); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Save writes rec and indexes it under its workflow.
func (s *RedisStore) Save(ctx context.Context, rec Record, opts SaveOptions) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	key := s.recordKey(rec.WorkflowID, rec.TaskID)
	exp := expireAt(s.now(), opts.TTL)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "value", rec.Value, "task_name", opts.TaskName)
		if exp != nil {
			pipe.HSet(ctx, key, "expire_at", exp.UnixMilli())
			pipe.PExpireAt(ctx, key, *exp)
		}
		pipe.SAdd(ctx, s.indexKey(rec.WorkflowID), rec.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", rec.WorkflowID, rec.TaskID, err)
	}
	return nil
}

// Complete sets the expiry of every record of the workflow that does not
// already expire sooner.
func (s *RedisStore) Complete(ctx context.Context, workflowID string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	err := completeScript.Run(ctx, s.client,
		[]string{s.indexKey(workflowID)},
		at.UnixMilli(), s.recordPrefix(workflowID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to complete workflow %s: %w", workflowID, err)
	}
	return nil
}

// CleanExpired removes index entries whose records Redis has already
// expired.
func (s *RedisStore) CleanExpired(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var (
		removed int64
		cursor  uint64
	)
	pattern := s.prefix + ":{*}:tasks"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan index keys: %w", err)
		}
		for _, indexKey := range keys {
			n, err := s.pruneIndex(ctx, indexKey)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		s.logger.V(1).Info("pruned expired index entries", "backend", "redis", "count", removed)
	}
	return removed, nil
}

func (s *RedisStore) pruneIndex(ctx context.Context, indexKey string) (int64, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", indexKey, err)
	}
	recordPrefix := strings.TrimSuffix(indexKey, "tasks") + "task:"

	exists := make([]*redis.IntCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, recordPrefix+id)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to check %s: %w", indexKey, err)
	}

	var gone []interface{}
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if err := s.client.SRem(ctx, indexKey, gone...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", indexKey, err)
	}
	return int64(len(gone)), nil
}

// decode builds a record from hash fields, treating a missing hash or a
// passed expire_at as absent.
func (s *RedisStore) decode(workflowID, taskID string, fields map[string]string) (Record, bool) {
	value, ok := fields["value"]
	if !ok {
		return Record{}, false
	}
	rec := Record{
		WorkflowID: workflowID,
		TaskID:     taskID,
		TaskName:   fields["task_name"],
		Value:      []byte(value),
	}
	if raw, ok := fields["expire_at"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			rec.ExpireAt = timeFromMillis(&ms)
			if !s.now().Before(*rec.ExpireAt) {
				return Record{}, false
			}
		}
	}
	return rec, true
}

var _ Store = (*RedisStore)(nil)
