// Copyright 2024-2026 Aiku AI

package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
)

const defaultRedisKey = "vkteams-telegram-bridge:state"

// RedisStore keeps the snapshot as one string value. SET replaces the value
// atomically, so readers never see a partial snapshot.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, key string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), key)
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (*state.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading redis snapshot: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) Save(ctx context.Context, snap *state.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing redis snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
