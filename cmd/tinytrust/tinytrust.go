package main

import (
	"fmt"

	"github.com/steveiliop56/tinytrust/internal/bootstrap"
	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/utils/loaders"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/rs/zerolog/log"
	"github.com/traefik/paerser/cli"
)

func NewTinytrustCmdConfiguration() *config.Config {
	return &config.Config{
		DatabasePath: "./tinytrust.db",
		Server: config.ServerConfig{
			Port:    3000,
			Address: "0.0.0.0",
		},
		Auth: config.AuthConfig{
			AccessTokenExpiry:       config.AccessTokenExpiration,
			RefreshTokenExpiry:      config.RefreshTokenExpiration,
			AuthorizationCodeExpiry: config.AuthorizationCodeExpiration,
			CleanupInterval:         1800,
		},
		OIDC: config.OIDCConfig{
			HTTPTimeout:           30,
			DiscoveryCacheTTL:     3600,
			JWKSCacheTTL:          3600,
			JWKSFailureCooldown:   30,
			CacheMaxSize:          1000,
			ClockTolerance:        60,
			PoolIdleTimeout:       300,
			PoolRequestsPerSecond: 10,
		},
		Retry: config.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  500,
			MaxDelay:      10000,
			BackoffFactor: 2,
		},
		RateLimit: config.RateLimitConfig{
			Backend:            "sqlite",
			FailurePolicy:      config.FailOpen,
			Window:             3600,
			AuthorizationCodes: 10,
			TokenExchanges:     20,
			Connections:        20,
			ToolInvocations:    1000,
		},
		Log: config.LogConfig{
			Level: "info",
			Json:  false,
			Streams: config.LogStreams{
				HTTP:  config.LogStreamConfig{Enabled: true},
				App:   config.LogStreamConfig{Enabled: true},
				Audit: config.LogStreamConfig{Enabled: true},
			},
		},
		Experimental: config.ExperimentalConfig{
			ConfigFile: "",
		},
	}
}

func main() {
	tConfig := NewTinytrustCmdConfiguration()

	loaders := []cli.ResourceLoader{
		&loaders.FileLoader{},
		&loaders.FlagLoader{},
		&loaders.EnvLoader{},
	}

	cmdTinytrust := &cli.Command{
		Name:          "tinytrust",
		Description:   "OpenID Connect discovery, ID token validation and OAuth token issuance for machine clients.",
		Configuration: tConfig,
		Resources:     loaders,
		Run: func(_ []string) error {
			return runCmd(*tConfig)
		},
	}

	err := cmdTinytrust.AddCommand(versionCmd())

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add version command")
	}

	err = cmdTinytrust.AddCommand(healthcheckCmd())

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add healthcheck command")
	}

	err = cmdTinytrust.AddCommand(discoverCmd())

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add discover command")
	}

	err = cmdTinytrust.AddCommand(generateSecretCmd())

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add secret command")
	}

	err = cli.Execute(cmdTinytrust)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}

func runCmd(cfg config.Config) error {
	tlog.NewLogger(cfg.Log).Init()

	tlog.App.Info().Str("version", config.Version).Msg("Starting tinytrust")

	app := bootstrap.NewBootstrapApp(cfg)

	err := app.Setup()

	if err != nil {
		return fmt.Errorf("failed to bootstrap app: %w", err)
	}

	return nil
}
