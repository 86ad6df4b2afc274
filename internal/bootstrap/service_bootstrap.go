package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"
)

type Services struct {
	metrics               *metrics.Metrics
	connectionPool        *service.ConnectionPool
	oidcCache             *service.OIDCCache
	discoveryService      *service.DiscoveryService
	idTokenService        *service.IDTokenService
	authorizationService  *service.AuthorizationService
	rateLimitService      *service.RateLimitService
	rateLimitRules        service.RateLimitRules
	healthService         *service.HealthService
	providerSyncService   *service.ProviderSyncService
	providerClientService *service.ProviderClientService
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func (app *BootstrapApp) initServices(db *sql.DB, queries *repository.Queries) (Services, error) {
	services := Services{}

	services.metrics = metrics.NewMetrics()

	services.connectionPool = service.NewConnectionPool(service.ConnectionPoolConfig{
		Timeout:           seconds(app.config.OIDC.HTTPTimeout),
		IdleTimeout:       seconds(app.config.OIDC.PoolIdleTimeout),
		RequestsPerSecond: app.config.OIDC.PoolRequestsPerSecond,
		Metrics:           services.metrics,
	})

	services.oidcCache = service.NewOIDCCache(service.OIDCCacheConfig{
		DiscoveryTTL: seconds(app.config.OIDC.DiscoveryCacheTTL),
		JWKSTTL:      seconds(app.config.OIDC.JWKSCacheTTL),
		MaxSize:      app.config.OIDC.CacheMaxSize,
	})

	retryManager := service.NewRetryManager(service.RetryManagerConfig{
		MaxAttempts:   app.config.Retry.MaxAttempts,
		InitialDelay:  time.Duration(app.config.Retry.InitialDelay) * time.Millisecond,
		MaxDelay:      time.Duration(app.config.Retry.MaxDelay) * time.Millisecond,
		BackoffFactor: app.config.Retry.BackoffFactor,
	})

	services.discoveryService = service.NewDiscoveryService(service.DiscoveryServiceConfig{
		Timeout: seconds(app.config.OIDC.HTTPTimeout),
	}, services.connectionPool, services.oidcCache, retryManager, services.metrics)

	services.idTokenService = service.NewIDTokenService(service.IDTokenServiceConfig{
		ClockTolerance:      seconds(app.config.OIDC.ClockTolerance),
		JWKSFailureCooldown: seconds(app.config.OIDC.JWKSFailureCooldown),
		Timeout:             seconds(app.config.OIDC.HTTPTimeout),
	}, services.connectionPool, services.oidcCache, services.metrics)

	secret := utils.GetSecret(app.config.Auth.TokenHashSecret, app.config.Auth.TokenHashSecretFile)

	if secret == "" {
		return Services{}, errors.New("a token hash secret is required, set auth.tokenHashSecret or auth.tokenHashSecretFile")
	}

	hasher, err := utils.NewTokenHasher(secret)

	if err != nil {
		return Services{}, err
	}

	store, err := app.initRateLimitStore(db, queries)

	if err != nil {
		return Services{}, err
	}

	policy, err := service.FailurePolicyFromConfig(app.config.RateLimit.FailurePolicy)

	if err != nil {
		return Services{}, err
	}

	services.rateLimitRules = service.RateLimitRulesFromConfig(app.config.RateLimit)

	services.rateLimitService = service.NewRateLimitService(service.RateLimitServiceConfig{
		FailurePolicy: policy,
	}, store, services.metrics)

	services.authorizationService = service.NewAuthorizationService(service.AuthorizationServiceConfig{
		AccessTokenExpiry:  seconds(app.config.Auth.AccessTokenExpiry),
		RefreshTokenExpiry: seconds(app.config.Auth.RefreshTokenExpiry),
		CodeExpiry:         seconds(app.config.Auth.AuthorizationCodeExpiry),
		CodeRateLimit:      services.rateLimitRules.AuthorizationCodes,
	}, db, queries, hasher, services.rateLimitService, services.metrics)

	services.healthService = service.NewHealthService(service.HealthServiceConfig{
		Timeout: seconds(app.config.OIDC.HTTPTimeout),
	}, queries, services.oidcCache, services.connectionPool, services.discoveryService, services.rateLimitService)

	services.providerSyncService = service.NewProviderSyncService(service.ProviderSyncServiceConfig{}, queries, services.discoveryService)

	services.providerClientService = service.NewProviderClientService(queries, services.connectionPool, services.discoveryService, services.idTokenService, hasher)

	return services, nil
}

func (app *BootstrapApp) initRateLimitStore(db *sql.DB, queries *repository.Queries) (service.RateLimitStore, error) {
	switch app.config.RateLimit.Backend {
	case "", "sqlite":
		return service.NewSQLiteRateLimitStore(db, queries), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := service.NewRedisRateLimitStore(ctx, app.config.RateLimit.RedisURL)

		if err != nil {
			return nil, err
		}

		tlog.App.Info().Msg("Using redis rate limit store")

		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownRateLimitBackend, app.config.RateLimit.Backend)
	}
}
