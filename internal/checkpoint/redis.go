package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

const keyPrefix = "checkpoint:"

// RedisStore implements Store on a Redis instance. Each product maps to
// one key written with a single SET, which keeps saves atomic and
// writes for distinct products non-overlapping.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed checkpoint store
func NewRedisStore(addr string, db int) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisStore{client: client}
}

// Load fetches and decodes the checkpoint for a product
func (r *RedisStore) Load(ctx context.Context, productID string) (*Checkpoint, error) {
	data, err := r.client.Get(ctx, keyPrefix+productID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, harvesterrors.NewStore(productID, "failed to load checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, harvesterrors.NewStore(productID, "corrupt checkpoint payload", err)
	}
	if cp.SeenIDs == nil {
		cp.SeenIDs = make(map[string]bool)
	}
	return &cp, nil
}

// Save encodes and writes the checkpoint in one SET
func (r *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return harvesterrors.NewStore(cp.ProductID, "failed to encode checkpoint", err)
	}
	if err := r.client.Set(ctx, keyPrefix+cp.ProductID, data, 0).Err(); err != nil {
		return harvesterrors.NewStore(cp.ProductID, "failed to save checkpoint", err)
	}
	return nil
}

// MergeSeen loads, grows the seen-set, and writes back
func (r *RedisStore) MergeSeen(ctx context.Context, productID string, reviewIDs []string) error {
	cp, err := r.Load(ctx, productID)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = New(productID, "")
	}
	cp.MarkSeen(reviewIDs...)
	return r.Save(ctx, cp)
}

// Reset deletes the checkpoint key
func (r *RedisStore) Reset(ctx context.Context, productID string) error {
	if err := r.client.Del(ctx, keyPrefix+productID).Err(); err != nil {
		return harvesterrors.NewStore(productID, "failed to reset checkpoint", err)
	}
	return nil
}

// Close releases the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
