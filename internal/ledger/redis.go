package ledger

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
)

const redisKeyPrefix = "bulk-action-status:"

// RedisLedger keeps one hash per action. HSETNX gives create-if-absent
// semantics across processes. The client is owned by the caller.
type RedisLedger struct {
	db redis.UniversalClient
}

func NewRedisLedger(db redis.UniversalClient) *RedisLedger {
	return &RedisLedger{db: db}
}

func redisKey(actionID string) string {
	return redisKeyPrefix + actionID
}

func (l *RedisLedger) All(ctx context.Context, actionID string) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := l.db.HGetAll(redisKey(actionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", actionID, err)
	}
	out := make(map[string]Entry, len(result))
	for field, v := range result {
		e, err := decodeEntry(field, []byte(v))
		if err != nil {
			return nil, err
		}
		out[field] = e
	}
	return out, nil
}

func (l *RedisLedger) PutIfAbsent(ctx context.Context, actionID string, e Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	// HSetNX is a no-op returning false when the field already exists.
	stored, err := l.db.HSetNX(redisKey(actionID), e.EntityID, data).Result()
	if err != nil {
		return false, fmt.Errorf("write ledger %s/%s: %w", actionID, e.EntityID, err)
	}
	return stored, nil
}

func (l *RedisLedger) Delete(ctx context.Context, actionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.db.Del(redisKey(actionID)).Err(); err != nil {
		return fmt.Errorf("delete ledger %s: %w", actionID, err)
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return nil
}
