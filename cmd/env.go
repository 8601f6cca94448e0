package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/propenrich/internal/address"
	"github.com/sells-group/propenrich/internal/enrich"
	"github.com/sells-group/propenrich/internal/enrich/provider"
	"github.com/sells-group/propenrich/internal/reaper"
	"github.com/sells-group/propenrich/internal/registry"
	"github.com/sells-group/propenrich/internal/resilience"
	"github.com/sells-group/propenrich/internal/store"
	"github.com/sells-group/propenrich/pkg/batchdata"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the wired services behind each command.
type env struct {
	Store        store.Store
	Registry     *registry.Registry
	Merger       *enrich.Merger
	Reaper       *reaper.Reaper
	Orchestrator *enrich.Orchestrator
	Normalizer   *address.Normalizer
}

// initEnv opens the store, runs migrations, and wires the service graph.
// The BatchData provider is registered only when an API key is set, so
// read-only commands work without credentials.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	norm := address.NewNormalizer(cfg.Address.KnownCities)
	merger := enrich.NewMerger(st)
	rpr := reaper.New(st)
	reg := registry.New(st, norm, merger, rpr)

	providers := provider.NewRegistry()
	if cfg.BatchData.Key != "" {
		client := batchdata.NewClient(cfg.BatchData.Key,
			batchdata.WithBaseURL(cfg.BatchData.BaseURL),
			batchdata.WithRateLimit(cfg.BatchData.RateLimitRPS),
		)
		providers.Register(provider.NewBatchData(client))
	}

	policy, err := loadPolicy()
	if err != nil {
		st.Close()
		return nil, err
	}

	orch := enrich.NewOrchestrator(st, providers, merger, policy)
	orch.SetRetry(resilience.FromRetryConfig(
		cfg.Enrich.RetryMaxAttempts,
		cfg.Enrich.RetryInitialBackoffMs,
		cfg.Enrich.RetryMaxBackoffMs,
		0, -1,
	))
	orch.SetBreakers(resilience.FromCircuitConfig(
		cfg.Enrich.BreakerFailureThreshold,
		cfg.Enrich.BreakerResetTimeoutSecs,
	))

	return &env{
		Store:        st,
		Registry:     reg,
		Merger:       merger,
		Reaper:       rpr,
		Orchestrator: orch,
		Normalizer:   norm,
	}, nil
}

// loadPolicy reads the waterfall policy file when one is configured,
// otherwise builds a single-provider policy from the enrich config block.
func loadPolicy() (*enrich.Policy, error) {
	if cfg.Enrich.PolicyPath != "" {
		return enrich.LoadPolicy(cfg.Enrich.PolicyPath)
	}
	policy := enrich.DefaultPolicy()
	if cfg.Enrich.DailyLimit > 0 {
		policy.Defaults.DailyLimit = cfg.Enrich.DailyLimit
	}
	if cfg.Enrich.Cooldown > 0 {
		policy.Defaults.Cooldown = enrich.Duration(cfg.Enrich.Cooldown)
	}
	if cfg.Enrich.StaleLock > 0 {
		policy.Defaults.StaleLock = enrich.Duration(cfg.Enrich.StaleLock)
	}
	if cfg.Enrich.RequestTimeout > 0 {
		policy.Defaults.RequestTimeout = enrich.Duration(cfg.Enrich.RequestTimeout)
	}
	for i := range policy.Providers {
		policy.Providers[i].DailyLimit = policy.Defaults.DailyLimit
		policy.Providers[i].RequestTimeout = policy.Defaults.RequestTimeout
	}
	return policy, nil
}

func (e *env) Close() {
	e.Store.Close()
}
