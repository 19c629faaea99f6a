// Package cache keeps finished renders in Redis so an identical job is
// served without distributing it again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
)

// Fingerprint identifies a job by everything that affects its pixels.
func Fingerprint(job scheduler.JobSpec) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RenderCache stores zstd-compressed RGB buffers keyed by job fingerprint.
type RenderCache struct {
	rdb *redis.Client
	ttl time.Duration
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a cache on rdb. Entries expire after ttl.
func New(rdb *redis.Client, ttl time.Duration) (*RenderCache, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &RenderCache{rdb: rdb, ttl: ttl, enc: enc, dec: dec}, nil
}

// Get returns the cached pixels of fingerprint, or nil when absent.
func (c *RenderCache) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, model.CacheKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	pixels, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return pixels, nil
}

// Put stores pixels under fingerprint.
func (c *RenderCache) Put(ctx context.Context, fingerprint string, pixels []byte) error {
	data := c.enc.EncodeAll(pixels, nil)
	if err := c.rdb.Set(ctx, model.CacheKey(fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close releases the codec. The Redis client is owned by the caller.
func (c *RenderCache) Close() {
	c.enc.Close()
	c.dec.Close()
}
