package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/store"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

func testConfig() *config.Config {
	return &config.Config{
		ImportService: config.ImportServiceConfig{
			URL:            "http://import.test",
			Timeout:        time.Second,
			ExecuteTimeout: time.Minute,
		},
		Wizard: config.WizardConfig{
			DefaultBatchSize:        500,
			MinBatchSize:            50,
			MaxBatchSize:            5000,
			RowsPerSecond:           200,
			SuggestionThreshold:     0.7,
			SessionTTL:              time.Hour,
			SweepInterval:           time.Minute,
			MaxConcurrentExecutions: 2,
			MaxWaitTime:             time.Second,
			MaxFileSize:             1 << 20,
			SupportedFormats:        []string{"csv"},
		},
		Redis: config.RedisConfig{CacheTTL: time.Minute},
	}
}

func TestNew_InProcessBackends(t *testing.T) {
	app, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer app.Close()

	assert.IsType(t, &store.Memory{}, app.Store)
	assert.IsType(t, &importsvc.CachedClient{}, app.Client)
	assert.NotNil(t, app.memCache)
	assert.Empty(t, app.Deps().Checks)
	assert.Equal(t, 0, app.Manager.Len())
}

func TestNew_InvalidServiceURL(t *testing.T) {
	cfg := testConfig()
	cfg.ImportService.URL = "ftp://import.test"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	app, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer app.Close()

	opts := app.Options()
	assert.Equal(t, 500, opts.DefaultBatchSize)
	assert.Equal(t, 0.7, opts.SuggestionThreshold)
	assert.Equal(t, importsvc.BatchBounds{Default: 500, Min: 50, Max: 5000}, opts.Bounds)
	assert.Equal(t, int64(1<<20), opts.FileLimits.MaxBytes)
	assert.Equal(t, []string{"csv"}, opts.FileLimits.Formats)
	assert.Equal(t, 200.0, opts.Planner.RowsPerSecond)
}

func TestPlanner_KeepsDefaultThroughputWhenUnset(t *testing.T) {
	p, err := Planner(config.WizardConfig{})
	require.NoError(t, err)
	assert.Greater(t, p.RowsPerSecond, 0.0)
	assert.NotEmpty(t, p.Tiers)
}

func TestPlanner_FromConfig(t *testing.T) {
	p, err := Planner(config.WizardConfig{
		RowsPerSecond:           100,
		SmallFileRows:           500,
		BatchTiers:              []string{"5000:1000", " 20000 : 4000 "},
		MaxRecommendedBatchSize: 8000,
		LongRunningMinutes:      10,
	})
	require.NoError(t, err)

	assert.Equal(t, []wizard.Tier{{Below: 5000, BatchSize: 1000}, {Below: 20000, BatchSize: 4000}}, p.Tiers)
	assert.Equal(t, 500, p.RecommendBatchSize(500))
	assert.Equal(t, 1000, p.RecommendBatchSize(800))
	assert.Equal(t, 4000, p.RecommendBatchSize(19999))
	assert.Equal(t, 8000, p.RecommendBatchSize(20000))
	assert.Equal(t, 10.0, p.LongRunningMinutes)
}

func TestPlanner_RejectsBadTiers(t *testing.T) {
	tests := []struct {
		name  string
		tiers []string
	}{
		{"missing separator", []string{"10000"}},
		{"non-numeric", []string{"many:2000"}},
		{"descending thresholds", []string{"50000:2000", "10000:5000"}},
		{"shrinking batch size", []string{"10000:5000", "50000:2000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Planner(config.WizardConfig{BatchTiers: tt.tiers})
			assert.Error(t, err)
		})
	}
}

func TestNew_InvalidPlanner(t *testing.T) {
	cfg := testConfig()
	cfg.Wizard.BatchTiers = []string{"50000:5000", "10000:2000"}

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch planner")
}

func TestWizardFromManagerUsesOptions(t *testing.T) {
	app, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer app.Close()

	o := app.Manager.Create(context.Background())
	assert.Equal(t, 500, o.Snapshot().BatchSize)
}
