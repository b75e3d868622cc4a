package importsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Cache is the byte-oriented store behind CachedClient.
// Get reports ok=false on a miss; a miss is never an error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

const cachePrefix = "importwizard:"

func modelsKey() string { return cachePrefix + "models" }
func configKey() string { return cachePrefix + "config" }
func metadataKey(m string) string { return cachePrefix + "metadata:" + m }

// CachedClient caches the read-mostly catalogue calls (models, metadata,
// config). Session-bound calls pass straight through.
//
// Cache failures are logged and treated as misses; the Import Service stays
// the source of truth.
type CachedClient struct {
	SessionClient
	cache Cache
	ttl   time.Duration
}

// NewCachedClient wraps next. A non-positive ttl defaults to ten minutes.
func NewCachedClient(next SessionClient, cache Cache, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedClient{SessionClient: next, cache: cache, ttl: ttl}
}

func (c *CachedClient) AvailableModels(ctx context.Context) ([]string, error) {
	var models []string
	if c.load(ctx, modelsKey(), &models) {
		return models, nil
	}
	models, err := c.SessionClient.AvailableModels(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, modelsKey(), models)
	return models, nil
}

func (c *CachedClient) ModelMetadata(ctx context.Context, model string) (*ModelMetadata, error) {
	var meta ModelMetadata
	if c.load(ctx, metadataKey(model), &meta) {
		return &meta, nil
	}
	m, err := c.SessionClient.ModelMetadata(ctx, model)
	if err != nil {
		return nil, err
	}
	c.store(ctx, metadataKey(model), m)
	return m, nil
}

func (c *CachedClient) ImportConfig(ctx context.Context) (*ImportConfig, error) {
	var cfg ImportConfig
	if c.load(ctx, configKey(), &cfg) {
		return &cfg, nil
	}
	got, err := c.SessionClient.ImportConfig(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, configKey(), got)
	return got, nil
}

// InvalidateModel drops cached metadata for model.
func (c *CachedClient) InvalidateModel(ctx context.Context, model string) error {
	return c.cache.Delete(ctx, metadataKey(model))
}

func (c *CachedClient) load(ctx context.Context, key string, dst any) bool {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("cache entry corrupt, refetching", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedClient) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}
