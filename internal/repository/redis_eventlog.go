package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

// casScript compares the stored etag (empty expected etag means "create") and
// swaps value+etag in one atomic step. Returns 1 on success, 0 on mismatch.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'etag')
if cur == false then
  if ARGV[1] == '' then
    redis.call('HSET', KEYS[1], 'value', ARGV[2], 'etag', ARGV[3])
    return 1
  end
  return 0
end
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'value', ARGV[2], 'etag', ARGV[3])
  return 1
end
return 0
`)

// RedisEventLogStore keeps each record in a hash {value, etag} under the
// deterministic key, plus a per-type sorted set for listings.
type RedisEventLogStore struct {
	rdb *redis.Client
}

func NewRedisEventLogStore(rdb *redis.Client) *RedisEventLogStore {
	return &RedisEventLogStore{rdb: rdb}
}

func indexKey(typeName string) string { return "idx:" + typeName }

func (s *RedisEventLogStore) Get(ctx context.Context, eventID string) (*model.IntegrationEventLog, error) {
	vals, err := s.rdb.HMGet(ctx, RecordKey(TypeEventLog, eventID), "value", "etag").Result()
	if err != nil {
		return nil, err
	}
	raw, ok := vals[0].(string)
	if !ok || raw == "" {
		return nil, nil
	}

	var log model.IntegrationEventLog
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return nil, err
	}
	if etag, ok := vals[1].(string); ok {
		log.ETag = etag
	}
	return &log, nil
}

func (s *RedisEventLogStore) Save(ctx context.Context, log *model.IntegrationEventLog) error {
	b, err := json.Marshal(log)
	if err != nil {
		return err
	}

	next := util.New()
	key := RecordKey(TypeEventLog, log.ID)
	ok, err := casScript.Run(ctx, s.rdb, []string{key}, log.ETag, string(b), next).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrConcurrency
	}

	// best-effort index entry; listing staleness is tolerable
	_ = s.rdb.ZAdd(ctx, indexKey(TypeEventLog), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: log.ID,
	}).Err()

	log.ETag = next
	return nil
}

func (s *RedisEventLogStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	return s.rdb.ZRevRange(ctx, indexKey(TypeEventLog), 0, int64(limit-1)).Result()
}

func (s *RedisEventLogStore) getCount(ctx context.Context) (model.IntegrationEventCount, error) {
	vals, err := s.rdb.HMGet(ctx, RecordKey(TypeEventCount, countID), "value", "etag").Result()
	if err != nil {
		return model.IntegrationEventCount{}, err
	}

	var c model.IntegrationEventCount
	if raw, ok := vals[0].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return model.IntegrationEventCount{}, err
		}
	}
	if etag, ok := vals[1].(string); ok {
		c.ETag = etag
	}
	return c, nil
}

func (s *RedisEventLogStore) saveCount(ctx context.Context, c model.IntegrationEventCount) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := RecordKey(TypeEventCount, countID)
	ok, err := casScript.Run(ctx, s.rdb, []string{key}, c.ETag, string(b), util.New()).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrConcurrency
	}
	return nil
}

func (s *RedisEventLogStore) Increment(ctx context.Context) error {
	c, err := s.getCount(ctx)
	if err != nil {
		return err
	}
	c.Count++
	return s.saveCount(ctx, c)
}

func (s *RedisEventLogStore) Count(ctx context.Context) (int64, error) {
	c, err := s.getCount(ctx)
	if err != nil {
		return 0, err
	}
	return c.Count, nil
}

func (s *RedisEventLogStore) ClearCount(ctx context.Context) error {
	c, err := s.getCount(ctx)
	if err != nil {
		return err
	}
	c.Count = 0
	return s.saveCount(ctx, c)
}
