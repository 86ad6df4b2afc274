package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"golang.org/x/sync/errgroup"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

const (
	poolErrorRateFail = 0.10
	poolErrorRateWarn = 0.05
)

type HealthCheck struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  any         `json:"details,omitempty"`
	Duration string      `json:"duration"`
}

type SSOHealthStatus struct {
	Status    HealthStatus  `json:"status"`
	Checks    []HealthCheck `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

type ConfigurationValidationResult struct {
	ConfigurationID string                 `json:"configurationId"`
	Valid           bool                   `json:"valid"`
	Endpoints       *EndpointConfiguration `json:"endpoints,omitempty"`
	Errors          []string               `json:"errors"`
	Warnings        []string               `json:"warnings"`
}

type HealthServiceConfig struct {
	Timeout time.Duration
	Now     func() time.Time
}

type HealthService struct {
	config    HealthServiceConfig
	queries   *repository.Queries
	cache     *OIDCCache
	pool      *ConnectionPool
	discovery *DiscoveryService
	rateLimit *RateLimitService
}

// NewHealthService wires the checker. rateLimit may be nil.
func NewHealthService(config HealthServiceConfig, queries *repository.Queries, cache *OIDCCache, pool *ConnectionPool, discovery *DiscoveryService, rateLimit *RateLimitService) *HealthService {
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &HealthService{
		config:    config,
		queries:   queries,
		cache:     cache,
		pool:      pool,
		discovery: discovery,
		rateLimit: rateLimit,
	}
}

type namedHealthCheck struct {
	name string
	fn   func(ctx context.Context) HealthCheck
}

// CheckSystemHealth runs every check concurrently. A check that panics is
// reported as failed instead of taking the report down.
func (hs *HealthService) CheckSystemHealth(ctx context.Context) SSOHealthStatus {
	ctx, cancel := context.WithTimeout(ctx, hs.config.Timeout)
	defer cancel()

	checks := []namedHealthCheck{
		{"database", hs.checkDatabase},
		{"cache", hs.checkCache},
		{"connection_pool", hs.checkConnectionPool},
		{"configurations", hs.checkConfigurations},
		{"identity_providers", hs.checkIdentityProviders},
	}

	if hs.rateLimit != nil {
		checks = append(checks, namedHealthCheck{"rate_limiter", hs.checkRateLimiter})
	}

	results := make([]HealthCheck, len(checks))

	var g errgroup.Group

	for i, check := range checks {
		g.Go(func() error {
			results[i] = hs.runCheck(ctx, check.name, check.fn)
			return nil
		})
	}

	_ = g.Wait()

	status := AggregateHealth(results)

	if status != HealthHealthy {
		tlog.App.Warn().Str("status", string(status)).Msg("SSO health degraded")
	}

	return SSOHealthStatus{
		Status:    status,
		Checks:    results,
		Timestamp: hs.config.Now(),
	}
}

func (hs *HealthService) runCheck(ctx context.Context, name string, fn func(ctx context.Context) HealthCheck) (check HealthCheck) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			tlog.App.Error().Interface("panic", r).Str("check", name).Msg("Health check panicked")
			check = HealthCheck{
				Name:    name,
				Status:  CheckFail,
				Message: fmt.Sprintf("check panicked: %v", r),
			}
		}
		check.Name = name
		check.Duration = time.Since(start).String()
	}()

	return fn(ctx)
}

// AggregateHealth is unhealthy with two or more failures, degraded with one
// failure or three or more warnings, healthy otherwise.
func AggregateHealth(checks []HealthCheck) HealthStatus {
	fails, warns := 0, 0

	for _, check := range checks {
		switch check.Status {
		case CheckFail:
			fails++
		case CheckWarn:
			warns++
		}
	}

	switch {
	case fails >= 2:
		return HealthUnhealthy
	case fails == 1 || warns >= 3:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (hs *HealthService) checkDatabase(ctx context.Context) HealthCheck {
	if err := hs.queries.Ping(ctx); err != nil {
		return HealthCheck{Status: CheckFail, Message: fmt.Sprintf("Database unreachable: %v", err)}
	}
	return HealthCheck{Status: CheckPass, Message: "Database reachable"}
}

func (hs *HealthService) checkCache(_ context.Context) HealthCheck {
	if !hs.cache.SelfTest() {
		return HealthCheck{Status: CheckFail, Message: "Cache read/write self test failed"}
	}
	return HealthCheck{Status: CheckPass, Message: "Cache operational", Details: hs.cache.Sizes()}
}

func (hs *HealthService) checkConnectionPool(_ context.Context) HealthCheck {
	stats := hs.pool.Stats()

	switch {
	case stats.ErrorRate > poolErrorRateFail:
		return HealthCheck{Status: CheckFail, Message: fmt.Sprintf("Error rate %.1f%% exceeds %.0f%%", stats.ErrorRate*100, poolErrorRateFail*100), Details: stats}
	case stats.ErrorRate > poolErrorRateWarn:
		return HealthCheck{Status: CheckWarn, Message: fmt.Sprintf("Error rate %.1f%% exceeds %.0f%%", stats.ErrorRate*100, poolErrorRateWarn*100), Details: stats}
	default:
		return HealthCheck{Status: CheckPass, Message: "Connection pool healthy", Details: stats}
	}
}

func (hs *HealthService) checkRateLimiter(ctx context.Context) HealthCheck {
	if err := hs.rateLimit.Ping(ctx); err != nil {
		return HealthCheck{Status: CheckWarn, Message: fmt.Sprintf("Rate limit store unreachable: %v", err)}
	}
	return HealthCheck{Status: CheckPass, Message: "Rate limit store reachable"}
}

func (hs *HealthService) checkConfigurations(ctx context.Context) HealthCheck {
	providers, err := hs.queries.ListEnabledProviderConfigurations(ctx)

	if err != nil {
		return HealthCheck{Status: CheckFail, Message: fmt.Sprintf("Failed to list configurations: %v", err)}
	}

	if len(providers) == 0 {
		return HealthCheck{Status: CheckPass, Message: "No enabled configurations"}
	}

	results := make([]ConfigurationValidationResult, len(providers))
	connectivity := make([][]string, len(providers))

	var g errgroup.Group

	for i, provider := range providers {
		g.Go(func() error {
			results[i], connectivity[i] = hs.validateWithConnectivity(ctx, provider)
			return nil
		})
	}

	_ = g.Wait()

	invalid := map[string][]string{}
	unreachable := map[string][]string{}

	for i, result := range results {
		switch {
		case !result.Valid:
			invalid[result.ConfigurationID] = result.Errors
		case len(connectivity[i]) > 0:
			unreachable[result.ConfigurationID] = connectivity[i]
		}
	}

	switch {
	case len(invalid) == len(providers):
		return HealthCheck{Status: CheckFail, Message: "No valid configurations", Details: invalid}
	case len(invalid) > 0:
		return HealthCheck{Status: CheckWarn, Message: fmt.Sprintf("%d of %d configurations are invalid", len(invalid), len(providers)), Details: invalid}
	case len(unreachable) > 0:
		return HealthCheck{Status: CheckWarn, Message: fmt.Sprintf("%d of %d configurations have unreachable endpoints", len(unreachable), len(providers)), Details: unreachable}
	default:
		return HealthCheck{Status: CheckPass, Message: fmt.Sprintf("%d configurations valid", len(providers))}
	}
}

func (hs *HealthService) checkIdentityProviders(ctx context.Context) HealthCheck {
	providers, err := hs.queries.ListEnabledProviderConfigurations(ctx)

	if err != nil {
		return HealthCheck{Status: CheckFail, Message: fmt.Sprintf("Failed to list configurations: %v", err)}
	}

	if len(providers) == 0 {
		return HealthCheck{Status: CheckPass, Message: "No identity providers to check"}
	}

	failures := make([]string, len(providers))

	var g errgroup.Group

	for i, provider := range providers {
		g.Go(func() error {
			endpoints, err := hs.discovery.ResolveEndpoints(ctx, provider)
			if err != nil {
				failures[i] = err.Error()
				return nil
			}
			if conn := hs.discovery.TestEndpointConnectivity(ctx, endpoints); !conn.Reachable() {
				failures[i] = strings.Join(conn.Errors, "; ")
			}
			return nil
		})
	}

	_ = g.Wait()

	unreachable := map[string]string{}

	for i, failure := range failures {
		if failure != "" {
			unreachable[providers[i].ID] = failure
		}
	}

	switch {
	case len(unreachable) == len(providers):
		return HealthCheck{Status: CheckFail, Message: "No identity provider reachable", Details: unreachable}
	case len(unreachable) > 0:
		return HealthCheck{Status: CheckWarn, Message: fmt.Sprintf("%d of %d identity providers unreachable", len(unreachable), len(providers)), Details: unreachable}
	default:
		return HealthCheck{Status: CheckPass, Message: "All identity providers reachable"}
	}
}

// ValidateConfiguration checks one stored provider configuration, including a
// connectivity check of its endpoints. Unreachable endpoints are warnings.
func (hs *HealthService) ValidateConfiguration(ctx context.Context, id string) ConfigurationValidationResult {
	provider, err := hs.queries.GetProviderConfiguration(ctx, id)

	if errors.Is(err, sql.ErrNoRows) {
		return ConfigurationValidationResult{
			ConfigurationID: id,
			Errors:          []string{"Configuration not found"},
			Warnings:        []string{},
		}
	}

	if err != nil {
		return ConfigurationValidationResult{
			ConfigurationID: id,
			Errors:          []string{fmt.Sprintf("Failed to load configuration: %v", err)},
			Warnings:        []string{},
		}
	}

	result, connectivity := hs.validateWithConnectivity(ctx, provider)
	result.Warnings = append(result.Warnings, connectivity...)

	return result
}

// validateWithConnectivity validates a configuration and checks the endpoints
// of a valid one. Connectivity failures are returned separately.
func (hs *HealthService) validateWithConnectivity(ctx context.Context, provider repository.ProviderConfiguration) (ConfigurationValidationResult, []string) {
	result := hs.validateProvider(ctx, provider)

	if !result.Valid || result.Endpoints == nil {
		return result, nil
	}

	return result, hs.discovery.TestEndpointConnectivity(ctx, *result.Endpoints).Errors
}

func (hs *HealthService) validateProvider(ctx context.Context, provider repository.ProviderConfiguration) ConfigurationValidationResult {
	result := ConfigurationValidationResult{
		ConfigurationID: provider.ID,
		Errors:          []string{},
		Warnings:        []string{},
	}

	if strings.TrimSpace(provider.ClientID) == "" {
		result.Errors = append(result.Errors, "Client ID is required")
	}

	if issuer, err := utils.NormalizeIssuerURL(provider.IssuerURL); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Invalid issuer URL: %v", err))
	} else if err := utils.ValidateURLSafety(issuer); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Invalid issuer URL: %v", err))
	}

	if _, err := ParseAttributeMapping([]byte(provider.AttributeMapping)); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if len(result.Errors) == 0 {
		endpoints, validation := hs.discovery.ValidateProviderEndpoints(ctx, provider)
		result.Errors = append(result.Errors, validation.Errors...)
		result.Warnings = append(result.Warnings, validation.Warnings...)
		if validation.Valid {
			result.Endpoints = &endpoints
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
