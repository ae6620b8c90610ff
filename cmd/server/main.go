// Package main is the entry point for the datagate server.
//
// The datagate server lets a remote orchestrator run read-only SQL and
// sandboxed scripts against a client database, passing intermediate tables
// between steps through an on-disk dataset cache. It serves either the MCP
// stdio transport or an HTTP API that also mounts MCP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/datagate/api"
	"github.com/isdmx/datagate/config"
	"github.com/isdmx/datagate/logger"
	"github.com/isdmx/datagate/mcpserver"
	"github.com/isdmx/datagate/registration"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Observability
			newRegistry,
			newMetrics,

			// Core components
			newDatabase,
			newRuntime,
			newRunner,
			newCache,
			newExecutor,

			// Transports
			newMCPServer,
			newAPI,
			newRegistrar,
		),

		// Start the appropriate transport based on config
		fx.Invoke(startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	server *mcpserver.MCPServer,
	handler *api.Handler,
	registrar *registration.Registrar,
) {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := server.ServeStdio(); err != nil {
						log.Error("stdio transport stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case "http":
		httpServer := api.NewServer(cfg.Server.HTTPPort, handler.Routes(), log)
		var stopRegistration func()
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if err := httpServer.Start(); err != nil {
					return err
				}
				if registrar.Enabled() {
					stopRegistration = registrar.Start()
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				if stopRegistration != nil {
					stopRegistration()
				}
				shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GetShutdownTimeout())
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			},
		})
	}
}
