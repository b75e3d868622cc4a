package importsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errors.New("cache down")
	}
	d, ok := m.data[key]
	return d, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *mapCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// countingClient records catalogue calls; session calls are unused here.
type countingClient struct {
	SessionClient
	metadataCalls int
	modelCalls    int
	configCalls   int
}

func (c *countingClient) AvailableModels(context.Context) ([]string, error) {
	c.modelCalls++
	return []string{"account"}, nil
}

func (c *countingClient) ModelMetadata(_ context.Context, model string) (*ModelMetadata, error) {
	c.metadataCalls++
	return &ModelMetadata{Name: model, Fields: []FieldInfo{{Name: "code", Required: true}}}, nil
}

func (c *countingClient) ImportConfig(context.Context) (*ImportConfig, error) {
	c.configCalls++
	return &ImportConfig{BatchSize: BatchBounds{Default: 1000, Min: 100, Max: 5000}}, nil
}

func TestCachedClient_CachesCatalogue(t *testing.T) {
	ctx := context.Background()
	next := &countingClient{}
	c := NewCachedClient(next, newMapCache(), time.Minute)

	for i := 0; i < 3; i++ {
		meta, err := c.ModelMetadata(ctx, "account")
		require.NoError(t, err)
		assert.Equal(t, "account", meta.Name)

		_, err = c.AvailableModels(ctx)
		require.NoError(t, err)

		cfg, err := c.ImportConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.BatchSize.Max)
	}

	assert.Equal(t, 1, next.metadataCalls)
	assert.Equal(t, 1, next.modelCalls)
	assert.Equal(t, 1, next.configCalls)
}

func TestCachedClient_InvalidateModel(t *testing.T) {
	ctx := context.Background()
	next := &countingClient{}
	c := NewCachedClient(next, newMapCache(), time.Minute)

	_, _ = c.ModelMetadata(ctx, "account")
	require.NoError(t, c.InvalidateModel(ctx, "account"))
	_, _ = c.ModelMetadata(ctx, "account")

	assert.Equal(t, 2, next.metadataCalls)
}

func TestCachedClient_CacheFailureFallsThrough(t *testing.T) {
	cache := newMapCache()
	cache.failGet = true
	next := &countingClient{}
	c := NewCachedClient(next, cache, 0)

	_, err := c.ModelMetadata(context.Background(), "account")
	require.NoError(t, err)
	_, err = c.ModelMetadata(context.Background(), "account")
	require.NoError(t, err)

	assert.Equal(t, 2, next.metadataCalls)
}
