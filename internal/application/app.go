// Package application assembles the wizard's collaborators from
// configuration. Both the HTTP server and the CLI start from New.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/importwizard/internal/cache"
	"github.com/JonMunkholm/importwizard/internal/config"
	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/store"
	"github.com/JonMunkholm/importwizard/internal/web"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// cacheSweepInterval is how often the in-process cache drops expired entries.
const cacheSweepInterval = time.Minute

// App holds the wired collaborators.
type App struct {
	Config  *config.Config
	Client  importsvc.SessionClient
	Store   wizard.Store
	Manager *wizard.Manager
	Planner wizard.Planner
	Bounds  importsvc.BatchBounds

	checks   map[string]web.Pinger
	memCache *cache.Memory
	closers  []func()
}

// New builds the Import Service client, its metadata cache, the wizard store
// and the wizard manager. Redis and PostgreSQL are used when configured;
// otherwise everything stays in process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	planner, err := Planner(cfg.Wizard)
	if err != nil {
		return nil, fmt.Errorf("batch planner: %w", err)
	}

	app := &App{
		Config:  cfg,
		Planner: planner,
		Bounds:  Bounds(cfg.Wizard),
		checks:  make(map[string]web.Pinger),
	}

	client, err := importsvc.NewClient(importsvc.Options{
		BaseURL:        cfg.ImportService.URL,
		APIKey:         cfg.ImportService.APIKey,
		Timeout:        cfg.ImportService.Timeout,
		ExecuteTimeout: cfg.ImportService.ExecuteTimeout,
	})
	if err != nil {
		return nil, err
	}

	var c importsvc.Cache
	if cfg.Redis.Enabled() {
		rc, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = rc.Close() })
		app.checks["redis"] = rc
		c = rc
		slog.Info("metadata cache", "backend", "redis")
	} else {
		app.memCache = cache.NewMemory()
		c = app.memCache
		slog.Info("metadata cache", "backend", "memory")
	}
	app.Client = importsvc.NewCachedClient(client, c, cfg.Redis.CacheTTL)

	if cfg.Database.Enabled() {
		pg, err := store.Connect(ctx, cfg.Database.URL, store.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, pg.Close)
		app.checks["database"] = pg
		app.Store = pg
		slog.Info("wizard store", "backend", "postgres")
	} else {
		app.Store = store.NewMemory(0)
		slog.Info("wizard store", "backend", "memory")
	}

	app.Manager = wizard.NewManager(
		app.Client,
		app.Store,
		wizard.NewExecutionLimiter(cfg.Wizard.MaxConcurrentExecutions, cfg.Wizard.MaxWaitTime),
		wizard.ManagerConfig{
			Options:       app.Options(),
			SessionTTL:    cfg.Wizard.SessionTTL,
			SweepInterval: cfg.Wizard.SweepInterval,
		},
	)
	return app, nil
}

// Planner builds the batch planner from configuration. Unset values keep
// the stock policy; the result must recommend non-decreasing batch sizes.
func Planner(cfg config.WizardConfig) (wizard.Planner, error) {
	p := wizard.DefaultPlanner()
	if cfg.RowsPerSecond > 0 {
		p.RowsPerSecond = cfg.RowsPerSecond
	}
	if cfg.SmallFileRows > 0 {
		p.SmallFileRows = cfg.SmallFileRows
	}
	if cfg.MaxRecommendedBatchSize > 0 {
		p.MaxRecommended = cfg.MaxRecommendedBatchSize
	}
	if cfg.LongRunningMinutes > 0 {
		p.LongRunningMinutes = cfg.LongRunningMinutes
	}
	if len(cfg.BatchTiers) > 0 {
		tiers, err := ParseTiers(cfg.BatchTiers)
		if err != nil {
			return wizard.Planner{}, err
		}
		p.Tiers = tiers
	}
	if err := p.Validate(); err != nil {
		return wizard.Planner{}, err
	}
	return p, nil
}

// ParseTiers reads "below:batch_size" pairs, e.g. "10000:2000".
func ParseTiers(values []string) ([]wizard.Tier, error) {
	tiers := make([]wizard.Tier, 0, len(values))
	for _, v := range values {
		below, size, ok := strings.Cut(v, ":")
		if !ok {
			return nil, fmt.Errorf("WIZARD_BATCH_TIERS entry %q must be below:batch_size", v)
		}
		b, err := strconv.Atoi(strings.TrimSpace(below))
		if err != nil {
			return nil, fmt.Errorf("WIZARD_BATCH_TIERS entry %q: invalid row threshold: %w", v, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(size))
		if err != nil {
			return nil, fmt.Errorf("WIZARD_BATCH_TIERS entry %q: invalid batch size: %w", v, err)
		}
		tiers = append(tiers, wizard.Tier{Below: b, BatchSize: n})
	}
	return tiers, nil
}

// Bounds are the local batch size limits used when the service declares none.
func Bounds(cfg config.WizardConfig) importsvc.BatchBounds {
	return importsvc.BatchBounds{
		Default: cfg.DefaultBatchSize,
		Min:     cfg.MinBatchSize,
		Max:     cfg.MaxBatchSize,
	}
}

// Options is the template for every orchestrator.
func (a *App) Options() wizard.Options {
	return wizard.Options{
		DefaultBatchSize:    a.Config.Wizard.DefaultBatchSize,
		SuggestionThreshold: a.Config.Wizard.SuggestionThreshold,
		Bounds:              a.Bounds,
		FileLimits: importsvc.FileLimits{
			MaxBytes: a.Config.Wizard.MaxFileSize,
			Formats:  a.Config.Wizard.SupportedFormats,
		},
		Planner: a.Planner,
	}
}

// Deps returns what the HTTP server routes to.
func (a *App) Deps() web.Deps {
	return web.Deps{
		Client:  a.Client,
		Manager: a.Manager,
		Planner: a.Planner,
		Bounds:  a.Bounds,
		Checks:  a.checks,
	}
}

// Restore reloads persisted wizards.
func (a *App) Restore(ctx context.Context) error {
	n, err := a.Manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore wizards: %w", err)
	}
	if n > 0 {
		slog.Info("resumed wizards from store", "count", n)
	}
	return nil
}

// RunJanitors runs the wizard sweep and, for the in-process cache, its
// expiry sweep until ctx is done.
func (a *App) RunJanitors(ctx context.Context) {
	if a.memCache != nil {
		go a.memCache.Run(ctx, cacheSweepInterval)
	}
	a.Manager.Run(ctx)
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
