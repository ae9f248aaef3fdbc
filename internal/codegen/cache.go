package codegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/apiengine/internal/shared/redis"
)

type kvStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Cache keeps generated code in Redis keyed by the exact request.
type Cache struct {
	redis kvStore
	ttl   time.Duration
}

// NewCache creates a cache whose entries live for ttl.
func NewCache(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

func (c *Cache) key(model string, req Request) string {
	keyData := fmt.Sprintf("%s\x00%s\x00%s\x00%s", model, req.Language, req.Path, req.Prompt)
	hash := sha256.Sum256([]byte(keyData))
	return "codegen:cache:" + hex.EncodeToString(hash[:])
}

// Get returns the cached result, or (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, model string, req Request) (*Result, error) {
	val, err := c.redis.Get(ctx, c.key(model, req))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cached Result
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached result: %w", err)
	}
	return &cached, nil
}

// Set stores a result.
func (c *Cache) Set(ctx context.Context, model string, req Request, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	return c.redis.Set(ctx, c.key(model, req), string(data), c.ttl)
}
