package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"GameHelper/internal/core"
)

// RedisStore keeps contexts as JSON strings and checkpoints as JSON lists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if prefix == "" {
		prefix = "gamehelper:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: rdb, prefix: prefix}, nil
}

func (r *RedisStore) contextKey(taskID string) string    { return r.prefix + "context:" + taskID }
func (r *RedisStore) checkpointKey(taskID string) string { return r.prefix + "checkpoints:" + taskID }

func (r *RedisStore) SaveContext(ctx context.Context, snap core.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.contextKey(snap.TaskID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save context %s: %w", snap.TaskID, err)
	}
	return nil
}

func (r *RedisStore) SaveCheckpoint(ctx context.Context, taskID string, cp core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, r.checkpointKey(taskID), data).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", taskID, cp.Name, err)
	}
	return nil
}

func (r *RedisStore) LoadContext(ctx context.Context, taskID string) (core.ContextSnapshot, bool, error) {
	data, err := r.client.Get(ctx, r.contextKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.ContextSnapshot{}, false, nil
	}
	if err != nil {
		return core.ContextSnapshot{}, false, err
	}

	var snap core.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.ContextSnapshot{}, false, fmt.Errorf("corrupt context %s: %w", taskID, err)
	}
	return snap, true, nil
}

func (r *RedisStore) LatestCheckpoint(ctx context.Context, taskID string) (core.Checkpoint, bool, error) {
	data, err := r.client.LIndex(ctx, r.checkpointKey(taskID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, err
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("corrupt checkpoint for %s: %w", taskID, err)
	}
	return cp, true, nil
}

func (r *RedisStore) Checkpoints(ctx context.Context, taskID string) ([]core.Checkpoint, error) {
	items, err := r.client.LRange(ctx, r.checkpointKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cps := make([]core.Checkpoint, 0, len(items))
	for _, item := range items {
		var cp core.Checkpoint
		if err := json.Unmarshal([]byte(item), &cp); err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
