package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-evidence/internal/browser"
	"github.com/sells-group/listing-evidence/internal/config"
	"github.com/sells-group/listing-evidence/internal/contentstore"
	"github.com/sells-group/listing-evidence/internal/dedup"
	"github.com/sells-group/listing-evidence/internal/download"
	"github.com/sells-group/listing-evidence/internal/extract"
	"github.com/sells-group/listing-evidence/internal/imaging"
	"github.com/sells-group/listing-evidence/internal/lease"
	"github.com/sells-group/listing-evidence/internal/metadata"
	"github.com/sells-group/listing-evidence/internal/monitoring"
	"github.com/sells-group/listing-evidence/internal/pipeline"
	"github.com/sells-group/listing-evidence/internal/resilience"
	"github.com/sells-group/listing-evidence/internal/state"
	"github.com/sells-group/listing-evidence/pkg/jina"
)

// evidenceEnv holds the stores every command reads or writes.
type evidenceEnv struct {
	State    *state.Store
	Store    *contentstore.Store
	Manifest *contentstore.Manifest
	Repo     metadata.Repository
	Metadata *metadata.Persister
	Metrics  *monitoring.Metrics

	closers []func() error
}

// Close releases resources held by the environment.
func (e *evidenceEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initEnv opens the state file, the content store and manifest, and the
// metadata backend. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*evidenceEnv, error) {
	st, err := state.Open(c.Store.StatePath)
	if err != nil {
		return nil, err
	}
	store, err := contentstore.New(c.Store.Root)
	if err != nil {
		return nil, err
	}
	manifest, err := contentstore.OpenManifest(c.Store.ManifestPath)
	if err != nil {
		return nil, err
	}

	env := &evidenceEnv{
		State:    st,
		Store:    store,
		Manifest: manifest,
		Metrics:  monitoring.NewMetrics(),
	}

	repo, err := openMetadata(ctx, c.Metadata)
	if err != nil {
		return nil, err
	}
	env.Repo = repo
	env.closers = append(env.closers, repo.Close)
	env.Metadata = metadata.NewPersister(repo,
		metadata.WithRetry(resilience.RetryConfig{
			MaxAttempts:    max(c.Metadata.MergeRetries, 1),
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			JitterFraction: 0.5,
		}),
		metadata.OnConflict(env.Metrics.ObserveConflict),
	)
	return env, nil
}

func openMetadata(ctx context.Context, c config.MetadataConfig) (metadata.Repository, error) {
	switch c.Driver {
	case "postgres":
		repo, err := metadata.NewPostgres(ctx, c.DatabaseURL, &metadata.PoolConfig{MaxConns: c.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return metadata.NewSQLite(ctx, c.DatabaseURL)
	}
}

func openLocker(ctx context.Context, c config.LeaseConfig) (lease.Locker, func() error, error) {
	if c.Driver != "redis" {
		return lease.NewLocal(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, DB: c.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrapf(err, "lease: connect redis %s", c.RedisAddr)
	}
	return lease.NewRedis(client, c.Prefix), client.Close, nil
}

// buildCoordinator wires the extraction side: site registry, browser
// factory, search client, download manager and the fallback chain.
func buildCoordinator(ctx context.Context, env *evidenceEnv, c *config.Config, opts pipeline.Options) (*pipeline.Coordinator, error) {
	sites, err := extract.LoadSites(c.Sources.Path)
	if err != nil {
		return nil, err
	}

	locker, closeLocker, err := openLocker(ctx, c.Lease)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeLocker)

	bg, err := imaging.ParseHexColor(c.Download.Background)
	if err != nil {
		return nil, eris.Wrap(err, "config: download.background")
	}

	factory := browser.NewFactory(browser.Options{
		Headless:   c.Browser.Headless,
		ExecPath:   c.Browser.ExecPath,
		NavTimeout: time.Duration(c.Browser.NavTimeoutSecs) * time.Second,
		UserAgents: c.Browser.UserAgents,
		Proxies:    c.Browser.Proxies,
		MinDelay:   time.Duration(c.Browser.MinDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Browser.MaxDelayMs) * time.Millisecond,
	})
	deps := extract.Deps{
		HTTP:             &http.Client{Timeout: time.Duration(c.Browser.NavTimeoutSecs) * time.Second},
		Sessions:         factory,
		Rotator:          browser.NewRotator(c.Browser.UserAgents, c.Browser.Proxies),
		SearchConfidence: c.Search.Confidence,
		MaxFrames:        c.Browser.MaxFrames,
	}
	if c.Search.Key != "" {
		deps.Search = jina.NewClient(c.Search.Key, jina.WithSearchBaseURL(c.Search.BaseURL))
	} else {
		zap.L().Warn("search.key not set, search fallback disabled")
	}
	registry := extract.NewRegistry(sites, deps)

	chain := pipeline.NewChain(registry.Chain(), pipeline.ChainOptions{
		Retry:       c.Pipeline.StepRetry.Policy(),
		StepTimeout: c.Pipeline.StepTimeout(),
		MinImages:   c.Pipeline.MinImages,
		Breakers: resilience.NewServiceBreakers(
			resilience.FromCircuitConfig(c.Pipeline.CircuitThreshold, c.Pipeline.CircuitResetSecs),
		),
		Metrics: env.Metrics,
	})

	downloads := download.New(download.Options{
		MaxConcurrency: c.Download.MaxConcurrency,
		Timeout:        time.Duration(c.Download.TimeoutSecs) * time.Second,
		MaxBytes:       c.Download.MaxBytes,
		UserAgent:      c.Download.UserAgent,
		HostRate:       c.Download.HostRate,
		Retry:          c.Download.Retry.Policy(),
		Imaging:        imaging.Options{Quality: c.Download.JPEGQuality, Background: bg, MaxPixels: c.Download.MaxPixels},
		Metrics:        env.Metrics,
	})

	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = c.Download.MaxConcurrency
	}
	if opts.Workers <= 0 {
		opts.Workers = c.Pipeline.Workers
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = c.Pipeline.TargetTimeout()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = c.Pipeline.StaleAfter() / 5
	}

	zap.L().Info("pipeline configured",
		zap.Strings("sources", registry.Sources()),
		zap.Int("steps", len(chain.Steps())),
		zap.Int("workers", opts.Workers),
		zap.Int("max_concurrency", opts.MaxConcurrency),
	)

	return pipeline.New(pipeline.Deps{
		State:     env.State,
		Store:     env.Store,
		Manifest:  env.Manifest,
		Downloads: downloads,
		Dedup:     dedup.New(c.Dedup.Threshold),
		Metadata:  env.Metadata,
		Locker:    locker,
		Chain:     chain,
		Metrics:   env.Metrics,
	}, opts), nil
}
