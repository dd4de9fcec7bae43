package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
)

const pendingMarker = "pending"

// RedisCache is a store.Journal that keeps the provisional to canonical id
// mapping of confirmed echoes, and the idempotency keys of the API.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ store.Journal     = (*RedisCache)(nil)
	_ ConfirmationCache = (*RedisCache)(nil)
	_ IdempotencyStore  = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type confirmedValue struct {
	Canonical   model.FullMsgID `json:"canonical"`
	ConfirmedAt time.Time       `json:"confirmedAt"`
}

func confirmedKey(local model.FullMsgID) string {
	return fmt.Sprintf("msg:%d:%d", local.Peer, local.Msg)
}

func idempotencyKey(key string) string {
	return "idem:" + key
}

func (c *RedisCache) Created(context.Context, store.Record) error { return nil }

func (c *RedisCache) Failed(context.Context, store.Record) error { return nil }

func (c *RedisCache) Confirmed(ctx context.Context, rec store.Record) error {
	b, err := json.Marshal(confirmedValue{
		Canonical:   rec.Canonical,
		ConfirmedAt: rec.At.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, confirmedKey(rec.Local), b, c.ttl).Err()
}

func (c *RedisCache) Destroyed(ctx context.Context, rec store.Record) error {
	return c.rdb.Del(ctx, confirmedKey(rec.Local)).Err()
}

func (c *RedisCache) Canonical(ctx context.Context, local model.FullMsgID) (model.FullMsgID, bool, error) {
	raw, err := c.rdb.Get(ctx, confirmedKey(local)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.FullMsgID{}, false, nil
	}
	if err != nil {
		return model.FullMsgID{}, false, err
	}

	var v confirmedValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.FullMsgID{}, false, fmt.Errorf("decode %s: %w", confirmedKey(local), err)
	}
	return v.Canonical, true, nil
}

// Claim reserves key. It reports false when someone else holds it.
func (c *RedisCache) Claim(ctx context.Context, key string) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), pendingMarker, c.ttl).Result()
}

func (c *RedisCache) Remember(ctx context.Context, key string, ids []model.FullMsgID) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, idempotencyKey(key), b, c.ttl).Err()
}

// Lookup returns the ids recorded for key. A claimed key without a result
// yields ErrInProgress.
func (c *RedisCache) Lookup(ctx context.Context, key string) ([]model.FullMsgID, bool, error) {
	raw, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if raw == pendingMarker {
		return nil, true, ErrInProgress
	}

	var ids []model.FullMsgID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", idempotencyKey(key), err)
	}
	return ids, true, nil
}

// Release drops a claim whose request failed validation, so the caller may
// retry with the same key.
func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
