package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"
)

const defaultCleanupInterval = 30 * time.Minute

type BootstrapApp struct {
	config   config.Config
	services Services
}

func NewBootstrapApp(config config.Config) *BootstrapApp {
	return &BootstrapApp{
		config: config,
	}
}

func (app *BootstrapApp) Setup() error {
	// Dumps
	tlog.App.Trace().Str("databasePath", app.config.DatabasePath).Int("providers", len(app.config.Providers)).Msg("Config dump")
	tlog.App.Trace().Interface("oidc", app.config.OIDC).Msg("OIDC config")
	tlog.App.Trace().Interface("rateLimit", app.config.RateLimit).Msg("Rate limit config")

	// Database
	db, err := app.SetupDatabase(app.config.DatabasePath)

	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}

	// Queries
	queries := repository.New(db)

	// Services
	services, err := app.initServices(db, queries)

	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	app.services = services

	// Providers from config
	if len(app.config.Providers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		synced, err := services.providerSyncService.SyncProvidersFromConfig(ctx, app.config.Providers)
		cancel()

		if err != nil {
			return fmt.Errorf("failed to sync providers: %w", err)
		}

		tlog.App.Info().Int("synced", synced).Int("configured", len(app.config.Providers)).Msg("Provider configurations synced")
	}

	// Setup router
	router, err := app.setupRouter()

	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	// Start housekeeping routine
	tlog.App.Debug().Msg("Starting housekeeping routine")
	go app.housekeeping()

	// If we have an socket path, bind to it
	if app.config.Server.SocketPath != "" {
		if _, err := os.Stat(app.config.Server.SocketPath); err == nil {
			tlog.App.Info().Msgf("Removing existing socket file %s", app.config.Server.SocketPath)
			err := os.Remove(app.config.Server.SocketPath)
			if err != nil {
				return fmt.Errorf("failed to remove existing socket file: %w", err)
			}
		}

		tlog.App.Info().Msgf("Starting server on unix socket %s", app.config.Server.SocketPath)
		if err := router.RunUnix(app.config.Server.SocketPath); err != nil {
			tlog.App.Fatal().Err(err).Msg("Failed to start server")
		}

		return nil
	}

	// Start server
	address := fmt.Sprintf("%s:%d", app.config.Server.Address, app.config.Server.Port)
	tlog.App.Info().Msgf("Starting server on %s", address)
	if err := router.Run(address); err != nil {
		tlog.App.Fatal().Err(err).Msg("Failed to start server")
	}

	return nil
}

func (app *BootstrapApp) housekeeping() {
	interval := defaultCleanupInterval
	if app.config.Auth.CleanupInterval > 0 {
		interval = seconds(app.config.Auth.CleanupInterval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for ; true; <-ticker.C {
		app.cleanup(ctx)
	}
}

func (app *BootstrapApp) cleanup(ctx context.Context) {
	tlog.App.Debug().Msg("Cleaning up expired codes, tokens and rate limit entries")

	if err := app.services.authorizationService.DeleteExpired(ctx); err != nil {
		tlog.App.Error().Err(err).Msg("Failed to clean up expired credentials")
	}

	if err := app.services.rateLimitService.Cleanup(ctx, app.services.rateLimitRules.Longest()); err != nil {
		tlog.App.Error().Err(err).Msg("Failed to clean up rate limit entries")
	}
}
