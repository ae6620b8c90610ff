package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/datagate/api"
	"github.com/isdmx/datagate/cache"
	"github.com/isdmx/datagate/config"
	"github.com/isdmx/datagate/database"
	"github.com/isdmx/datagate/executor"
	"github.com/isdmx/datagate/mcpserver"
	"github.com/isdmx/datagate/metrics"
	"github.com/isdmx/datagate/registration"
	"github.com/isdmx/datagate/sandbox"
)

const megabyte = 1 << 20

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newMetrics returns nil when metrics are disabled; a nil *Metrics records nothing
func newMetrics(cfg *config.Config, reg *prometheus.Registry) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New(reg, cfg.Metrics.Namespace)
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Dialect:         cfg.Database.Dialect,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Name:            cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		URL:             cfg.Database.URL,
		SandboxURL:      cfg.Database.SandboxURL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.GetConnMaxLifetime(),
		ReadOnlyTx:      cfg.Database.ReadOnlyTx,
	}
}

func newDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*database.DB, error) {
	db, err := database.Open(databaseConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		Backend:      cfg.Sandbox.Backend,
		Image:        cfg.Sandbox.Image,
		LocalCommand: cfg.Sandbox.LocalCommand,
		Timeout:      cfg.GetTimeout(),
		StopGrace:    cfg.GetStopGrace(),
		Limits: sandbox.Limits{
			MemoryMB:  cfg.Sandbox.MemoryMB,
			CPUs:      cfg.Sandbox.CPUs,
			PidsLimit: cfg.Sandbox.PidsLimit,
			Network:   cfg.Sandbox.Network,
		},
	}
}

func newRuntime(cfg *config.Config, log *zap.Logger) (sandbox.Runtime, error) {
	return sandbox.NewRuntime(log, sandboxConfig(cfg))
}

func newRunner(rt sandbox.Runtime, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *sandbox.Runner {
	return sandbox.NewRunner(rt, sandboxConfig(cfg), log, sandbox.WithRunnerMetrics(m))
}

func newCache(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*cache.Cache, error) {
	c, err := cache.New(cache.Options{
		Dir:         cfg.Cache.Dir,
		TTL:         cfg.GetCacheTTL(),
		MaxBytes:    int64(cfg.Cache.MaxSizeMB) * megabyte,
		TargetBytes: int64(cfg.Cache.CleanupTargetMB) * megabyte,
	}, log, cache.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	if interval := cfg.GetSweepInterval(); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					c.RunJanitor(ctx, interval)
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				<-done
				return nil
			},
		})
	}
	return c, nil
}

func newExecutor(db *database.DB, runner *sandbox.Runner, c *cache.Cache, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *executor.Executor {
	return executor.New(db, runner, c, executor.Config{
		ScriptLanguage: cfg.Sandbox.Language,
		DatabaseURL:    databaseConfig(cfg).UnitURL(),
	}, log, executor.WithMetrics(m))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, exec *executor.Executor, db *database.DB) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, exec, db)
}

func newAPI(cfg *config.Config, log *zap.Logger, exec *executor.Executor, db *database.DB, server *mcpserver.MCPServer, reg *prometheus.Registry) *api.Handler {
	opts := []api.Option{api.WithMCP(server.HTTPHandler())}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	return api.New(api.Config{
		Token:        cfg.Auth.Token,
		Dialect:      cfg.Database.Dialect,
		MaxBodyBytes: int64(cfg.Server.MaxBodyMB) * megabyte,
	}, exec, db, log, opts...)
}

func newRegistrar(cfg *config.Config, log *zap.Logger) *registration.Registrar {
	return registration.New(registration.Config{
		CoreURL:     cfg.Registration.CoreURL,
		PublicURL:   cfg.Registration.PublicURL,
		Token:       cfg.Auth.Token,
		MaxAttempts: cfg.Registration.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Registration.RetryDelaySec) * time.Second,
		Timeout:     time.Duration(cfg.Registration.TimeoutSec) * time.Second,
	}, log)
}
