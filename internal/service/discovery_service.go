package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const wellKnownPath = "/.well-known/openid-configuration"

type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

type EndpointConfiguration struct {
	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	UserinfoURL      string `json:"userinfoUrl,omitempty"`
	RevocationURL    string `json:"revocationUrl,omitempty"`
	JWKSURL          string `json:"jwksUrl,omitempty"`
}

// ManualEndpoints are endpoints entered by an administrator instead of discovered.
type ManualEndpoints struct {
	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	UserinfoURL      string `json:"userinfoUrl,omitempty"`
	RevocationURL    string `json:"revocationUrl,omitempty"`
	JWKSURL          string `json:"jwksUrl,omitempty"`
}

// AttributeMapping names the ID token claims holding user attributes.
type AttributeMapping struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

var DefaultAttributeMapping = AttributeMapping{
	Email:    "email",
	Name:     "name",
	Username: "preferred_username",
}

type EndpointValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type DiscoveryResult struct {
	Success   bool                   `json:"success"`
	Issuer    string                 `json:"issuer,omitempty"`
	Endpoints *EndpointConfiguration `json:"endpoints,omitempty"`
	Document  *DiscoveryDocument     `json:"document,omitempty"`
	Warnings  []string               `json:"warnings,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type ConnectivityResult struct {
	Errors []string `json:"errors"`
}

func (r ConnectivityResult) Reachable() bool {
	return len(r.Errors) == 0
}

type DiscoveryServiceConfig struct {
	Timeout time.Duration
}

type DiscoveryService struct {
	config  DiscoveryServiceConfig
	pool    *ConnectionPool
	cache   *OIDCCache
	retry   *RetryManager
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewDiscoveryService wires the service. retry may be nil, in which case each fetch is attempted once.
func NewDiscoveryService(config DiscoveryServiceConfig, pool *ConnectionPool, cache *OIDCCache, retry *RetryManager, metrics *metrics.Metrics) *DiscoveryService {
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPTimeout
	}
	return &DiscoveryService{
		config:  config,
		pool:    pool,
		cache:   cache,
		retry:   retry,
		metrics: metrics,
	}
}

func (ds *DiscoveryService) DiscoverEndpoints(ctx context.Context, issuerURL string) DiscoveryResult {
	result := ds.discover(ctx, issuerURL)
	ds.metrics.ObserveDiscovery(result.Success)
	return result
}

func (ds *DiscoveryService) discover(ctx context.Context, issuerURL string) DiscoveryResult {
	issuer, err := utils.NormalizeIssuerURL(issuerURL)

	if err != nil {
		return DiscoveryResult{Error: fmt.Sprintf("Invalid issuer URL: %v", err)}
	}

	if err := utils.ValidateURLSafety(issuer); err != nil {
		return DiscoveryResult{Issuer: issuer, Error: fmt.Sprintf("Invalid issuer URL: %v", err)}
	}

	if doc, ok := ds.cache.Discovery.Get(issuer); ok {
		tlog.App.Trace().Str("issuer", issuer).Msg("Discovery cache hit")
		return ds.buildResult(issuer, doc)
	}

	// Waiters share the fetch, so it runs detached from the caller that started it
	results := ds.group.DoChan(issuer, func() (any, error) {
		return ds.fetchAndValidate(context.WithoutCancel(ctx), issuer), nil
	})

	select {
	case <-ctx.Done():
		return DiscoveryResult{Issuer: issuer, Error: ctx.Err().Error()}
	case result := <-results:
		return result.Val.(DiscoveryResult)
	}
}

func (ds *DiscoveryService) fetchAndValidate(ctx context.Context, issuer string) DiscoveryResult {
	var doc DiscoveryDocument

	fetch := func() error {
		fetched, err := ds.fetchDocument(ctx, issuer)
		if err != nil {
			return err
		}
		doc = fetched
		return nil
	}

	var err error

	if ds.retry != nil {
		err = ds.retry.Do(ctx, fetch)
	} else {
		err = fetch()
	}

	if err != nil {
		tlog.App.Warn().Err(err).Str("issuer", issuer).Msg("Discovery failed")
		return DiscoveryResult{Issuer: issuer, Error: err.Error()}
	}

	validation := ValidateDiscoveryDocument(doc, issuer)

	if !validation.Valid {
		return DiscoveryResult{
			Issuer:   issuer,
			Document: &doc,
			Warnings: validation.Warnings,
			Error:    strings.Join(validation.Errors, "; "),
		}
	}

	ds.cache.Discovery.Set(issuer, doc)
	ds.cache.Endpoints.Set(issuer, endpointsFromDocument(doc))

	tlog.App.Debug().Str("issuer", issuer).Msg("Discovered identity provider endpoints")

	return ds.buildResult(issuer, doc)
}

func (ds *DiscoveryService) buildResult(issuer string, doc DiscoveryDocument) DiscoveryResult {
	endpoints := endpointsFromDocument(doc)
	return DiscoveryResult{
		Success:   true,
		Issuer:    issuer,
		Endpoints: &endpoints,
		Document:  &doc,
		Warnings:  ValidateDiscoveryDocument(doc, issuer).Warnings,
	}
}

func (ds *DiscoveryService) fetchDocument(ctx context.Context, issuer string) (DiscoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.config.Timeout)
	defer cancel()

	res, err := ds.pool.Get(ctx, issuer+wellKnownPath)

	if err != nil {
		return DiscoveryDocument{}, fmt.Errorf("failed to fetch discovery document: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return DiscoveryDocument{}, newProviderHTTPError(res)
	}

	contentType := res.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)

	if err != nil || mediaType != "application/json" {
		res.Body.Close()
		return DiscoveryDocument{}, fmt.Errorf("Invalid content type: %s", contentType)
	}

	body, err := ReadLimitedBody(res)

	if err != nil {
		return DiscoveryDocument{}, err
	}

	var doc DiscoveryDocument

	if err := json.Unmarshal(body, &doc); err != nil {
		return DiscoveryDocument{}, fmt.Errorf("Invalid discovery document: %v", err)
	}

	return doc, nil
}

func endpointsFromDocument(doc DiscoveryDocument) EndpointConfiguration {
	return EndpointConfiguration{
		AuthorizationURL: doc.AuthorizationEndpoint,
		TokenURL:         doc.TokenEndpoint,
		UserinfoURL:      doc.UserinfoEndpoint,
		RevocationURL:    doc.RevocationEndpoint,
		JWKSURL:          doc.JwksURI,
	}
}

// ValidateDiscoveryDocument checks doc against the issuer it was requested for.
// expectedIssuer is compared as is, callers pass the normalized issuer.
func ValidateDiscoveryDocument(doc DiscoveryDocument, expectedIssuer string) EndpointValidationResult {
	result := EndpointValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	required := []struct {
		field string
		value string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
	}

	for _, r := range required {
		if r.value == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Missing required field: %s", r.field))
		}
	}

	if doc.Issuer != "" && doc.Issuer != expectedIssuer {
		result.Errors = append(result.Errors, fmt.Sprintf("Issuer mismatch: expected %s, got %s", expectedIssuer, doc.Issuer))
	}

	urls := []struct {
		field string
		value string
	}{
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JwksURI},
		{"userinfo_endpoint", doc.UserinfoEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
	}

	for _, u := range urls {
		if u.value == "" {
			continue
		}
		if err := utils.ValidateURLSafety(u.value); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Invalid %s: %v", u.field, err))
		}
	}

	if doc.JwksURI == "" {
		result.Warnings = append(result.Warnings, "Missing jwks_uri (recommended for token validation)")
	}

	optional := []struct {
		field   string
		missing bool
	}{
		{"userinfo_endpoint", doc.UserinfoEndpoint == ""},
		{"revocation_endpoint", doc.RevocationEndpoint == ""},
		{"end_session_endpoint", doc.EndSessionEndpoint == ""},
		{"scopes_supported", len(doc.ScopesSupported) == 0},
		{"response_types_supported", len(doc.ResponseTypesSupported) == 0},
		{"id_token_signing_alg_values_supported", len(doc.IDTokenSigningAlgValuesSupported) == 0},
	}

	for _, o := range optional {
		if o.missing {
			result.Warnings = append(result.Warnings, fmt.Sprintf("Missing optional field: %s", o.field))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func ValidateManualEndpoints(endpoints ManualEndpoints) EndpointValidationResult {
	result := EndpointValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	if endpoints.AuthorizationURL == "" {
		result.Errors = append(result.Errors, "Authorization URL is required")
	}

	if endpoints.TokenURL == "" {
		result.Errors = append(result.Errors, "Token URL is required")
	}

	for _, u := range manualEndpointFields(endpoints) {
		if u.value == "" {
			continue
		}
		if err := utils.ValidateURLSafety(u.value); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Invalid %s: %v", u.field, err))
		}
	}

	if endpoints.UserinfoURL == "" {
		result.Warnings = append(result.Warnings, "UserInfo endpoint not configured (may limit user attribute retrieval)")
	}

	if endpoints.RevocationURL == "" {
		result.Warnings = append(result.Warnings, "Token revocation endpoint not configured (may impact logout security)")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

type namedURL struct {
	field string
	value string
}

func manualEndpointFields(endpoints ManualEndpoints) []namedURL {
	return []namedURL{
		{"authorizationUrl", endpoints.AuthorizationURL},
		{"tokenUrl", endpoints.TokenURL},
		{"userinfoUrl", endpoints.UserinfoURL},
		{"revocationUrl", endpoints.RevocationURL},
		{"jwksUrl", endpoints.JWKSURL},
	}
}

// ParseManualEndpoints decodes stored manual endpoints. Whitespace around values is
// dropped; required fields and URL safety are checked by ValidateManualEndpoints.
func ParseManualEndpoints(data []byte) (ManualEndpoints, error) {
	var endpoints ManualEndpoints

	if len(bytes.TrimSpace(data)) == 0 {
		return endpoints, fmt.Errorf("%w: manual endpoints are empty", utils.ErrInvalidFormat)
	}

	if err := json.Unmarshal(data, &endpoints); err != nil {
		return ManualEndpoints{}, fmt.Errorf("%w: manual endpoints: %v", utils.ErrInvalidFormat, err)
	}

	endpoints.AuthorizationURL = strings.TrimSpace(endpoints.AuthorizationURL)
	endpoints.TokenURL = strings.TrimSpace(endpoints.TokenURL)
	endpoints.UserinfoURL = strings.TrimSpace(endpoints.UserinfoURL)
	endpoints.RevocationURL = strings.TrimSpace(endpoints.RevocationURL)
	endpoints.JWKSURL = strings.TrimSpace(endpoints.JWKSURL)

	return endpoints, nil
}

// ParseAttributeMapping decodes a stored attribute mapping, filling unset claims with defaults.
func ParseAttributeMapping(data []byte) (AttributeMapping, error) {
	mapping := DefaultAttributeMapping

	if len(bytes.TrimSpace(data)) == 0 {
		return mapping, nil
	}

	var parsed AttributeMapping

	if err := json.Unmarshal(data, &parsed); err != nil {
		return AttributeMapping{}, fmt.Errorf("%w: attribute mapping: %v", utils.ErrInvalidFormat, err)
	}

	fields := []struct {
		name   string
		value  string
		target *string
	}{
		{"email", parsed.Email, &mapping.Email},
		{"name", parsed.Name, &mapping.Name},
		{"username", parsed.Username, &mapping.Username},
	}

	for _, f := range fields {
		claim := strings.TrimSpace(f.value)
		if claim == "" {
			continue
		}
		if strings.ContainsAny(claim, " \t\r\n") {
			return AttributeMapping{}, fmt.Errorf("%w: attribute mapping %s has an invalid claim name", utils.ErrInvalidFormat, f.name)
		}
		*f.target = claim
	}

	return mapping, nil
}

// TestEndpointConnectivity checks every configured endpoint in parallel. Any answer
// below 500 counts as reachable; the result only lists failures.
func (ds *DiscoveryService) TestEndpointConnectivity(ctx context.Context, endpoints EndpointConfiguration) ConnectivityResult {
	fields := manualEndpointFields(ManualEndpoints(endpoints))
	failures := make([]string, len(fields))

	ctx, cancel := context.WithTimeout(ctx, ds.config.Timeout)
	defer cancel()

	var g errgroup.Group

	for i, f := range fields {
		if f.value == "" {
			continue
		}
		g.Go(func() error {
			if err := ds.reach(ctx, f.value); err != nil {
				failures[i] = fmt.Sprintf("%s: %v", f.field, err)
			}
			return nil
		})
	}

	_ = g.Wait()

	result := ConnectivityResult{Errors: []string{}}

	for _, failure := range failures {
		if failure != "" {
			result.Errors = append(result.Errors, failure)
		}
	}

	return result
}

func (ds *DiscoveryService) reach(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)

	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalidFormat, err)
	}

	res, err := ds.pool.Do(ctx, req)

	if err != nil {
		var safetyErr *utils.URLSafetyError
		if errors.As(err, &safetyErr) {
			return safetyErr
		}
		return fmt.Errorf("unreachable: %w", err)
	}

	res.Body.Close()

	if res.StatusCode >= http.StatusInternalServerError {
		return newProviderHTTPError(res)
	}

	return nil
}

// ResolveEndpoints returns the endpoints of a provider configuration, either its
// manual endpoints or the discovered ones.
func (ds *DiscoveryService) ResolveEndpoints(ctx context.Context, provider repository.ProviderConfiguration) (EndpointConfiguration, error) {
	if !provider.AutoDiscovery {
		manual, err := ParseManualEndpoints([]byte(provider.ManualEndpoints))

		if err != nil {
			return EndpointConfiguration{}, err
		}

		validation := ValidateManualEndpoints(manual)

		if !validation.Valid {
			return EndpointConfiguration{}, fmt.Errorf("invalid manual endpoints: %s", strings.Join(validation.Errors, "; "))
		}

		return EndpointConfiguration(manual), nil
	}

	issuer, err := utils.NormalizeIssuerURL(provider.IssuerURL)

	if err != nil {
		return EndpointConfiguration{}, err
	}

	if endpoints, ok := ds.cache.Endpoints.Get(issuer); ok {
		return endpoints, nil
	}

	result := ds.DiscoverEndpoints(ctx, issuer)

	if !result.Success {
		return EndpointConfiguration{}, errors.New(result.Error)
	}

	ds.cache.Endpoints.Set(issuer, *result.Endpoints)

	return *result.Endpoints, nil
}

func (ds *DiscoveryService) InvalidateIssuer(issuerURL string) {
	issuer, err := utils.NormalizeIssuerURL(issuerURL)

	if err != nil {
		return
	}

	ds.cache.Discovery.Delete(issuer)
	ds.cache.Endpoints.Delete(issuer)
}

// ValidateProviderEndpoints checks a provider's endpoints without contacting it,
// except for discovery when it is enabled.
func (ds *DiscoveryService) ValidateProviderEndpoints(ctx context.Context, provider repository.ProviderConfiguration) (EndpointConfiguration, EndpointValidationResult) {
	if !provider.AutoDiscovery {
		manual, err := ParseManualEndpoints([]byte(provider.ManualEndpoints))

		if err != nil {
			return EndpointConfiguration{}, EndpointValidationResult{
				Errors:   []string{err.Error()},
				Warnings: []string{},
			}
		}

		return EndpointConfiguration(manual), ValidateManualEndpoints(manual)
	}

	result := ds.DiscoverEndpoints(ctx, provider.IssuerURL)

	if !result.Success {
		return EndpointConfiguration{}, EndpointValidationResult{
			Errors:   []string{result.Error},
			Warnings: nonNil(result.Warnings),
		}
	}

	return *result.Endpoints, EndpointValidationResult{
		Valid:    true,
		Errors:   []string{},
		Warnings: nonNil(result.Warnings),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
