package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/opensource-finance/regelwerk/internal/api"
	"github.com/opensource-finance/regelwerk/internal/bus"
	"github.com/opensource-finance/regelwerk/internal/cache"
	"github.com/opensource-finance/regelwerk/internal/calculation"
	"github.com/opensource-finance/regelwerk/internal/domain"
	"github.com/opensource-finance/regelwerk/internal/repository"
	"github.com/opensource-finance/regelwerk/internal/rules"
	"github.com/opensource-finance/regelwerk/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the calculation worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), loadConfig())
		},
	}

	cmd.Flags().String("tier", string(domain.TierCommunity), "product tier (community, pro)")
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().Bool("worker", false, "run the asynchronous calculation worker")
	cmd.Flags().StringSlice("tenants", nil, "tenants whose stored rules are loaded at startup")

	_ = viper.BindPFlag("tier", cmd.Flags().Lookup("tier"))
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("worker.enabled", cmd.Flags().Lookup("worker"))
	_ = viper.BindPFlag("tenants", cmd.Flags().Lookup("tenants"))

	return cmd
}

func serve(ctx context.Context, cfg *domain.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupTracing(cfg.Tracing)

	slog.Info("starting regelwerk",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	registry := rules.NewRegistry(cfg.Engine.MaxWorkers, cfg.Engine.MaxDepth)
	ruleSets := rules.NewRuleSetEngine()

	// Stored rules load at startup; everything else arrives through the API
	for _, tenantID := range startupTenants(cfg) {
		if err := loadTenant(ctx, repo, registry, ruleSets, tenantID); err != nil {
			return err
		}
	}
	slog.Info("rules loaded",
		"rules_count", registry.RulesCount(),
		"rule_sets_count", ruleSets.RuleSetCount(),
	)

	processor := calculation.NewProcessor(registry, ruleSets)
	processor.MaxRulesPerRequest = cfg.Engine.MaxRulesPerRequest

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, processor)

		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.TenantIDs,
			WorkerCount: cfg.Worker.WorkerCount,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started",
			"tenant_count", len(cfg.Worker.TenantIDs),
			"worker_count", cfg.Worker.WorkerCount,
		)
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, registry, ruleSets, processor, cfg.Cache.ResultTTL, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("regelwerk is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop the worker first so in-flight calculations can still be stored
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("regelwerk shutdown complete")
	return serveErr
}

// startupTenants lists the global tenant, the configured tenants and the
// worker's tenants without duplicates.
func startupTenants(cfg *domain.Config) []string {
	tenants := []string{domain.GlobalTenantID}
	for _, id := range append(viper.GetStringSlice("tenants"), cfg.Worker.TenantIDs...) {
		if id != "" && !slices.Contains(tenants, id) {
			tenants = append(tenants, id)
		}
	}
	return tenants
}

// loadTenant loads the stored rules and rule sets of one tenant.
// A repository that cannot list leaves the tenant empty; a stored rule that
// no longer loads stops startup.
func loadTenant(ctx context.Context, repo domain.Repository, registry *rules.Registry, ruleSets *rules.RuleSetEngine, tenantID string) error {
	dbRules, err := repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "tenant_id", tenantID, "error", err)
		return nil
	}
	if err := registry.ReloadRules(tenantID, dbRules); err != nil {
		return fmt.Errorf("failed to load rules for tenant %s: %w", tenantID, err)
	}

	sets, err := repo.ListRuleSets(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list rule sets from database", "tenant_id", tenantID, "error", err)
		return nil
	}
	ruleSets.ReloadRuleSets(tenantID, sets)

	slog.Debug("tenant loaded", "tenant_id", tenantID, "rules", len(dbRules), "rule_sets", len(sets))
	return nil
}
