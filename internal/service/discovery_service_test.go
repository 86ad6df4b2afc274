package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/service"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDiscoverEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("Discovers and caches endpoints", func(t *testing.T) {
		idp := newFakeIdP(t)
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer+"/")
		assert.Assert(t, result.Success, result.Error)
		assert.Equal(t, testIssuer, result.Issuer)
		assert.DeepEqual(t, &service.EndpointConfiguration{
			AuthorizationURL: testIssuer + "/authorize",
			TokenURL:         testIssuer + "/token",
			UserinfoURL:      testIssuer + "/userinfo",
			RevocationURL:    testIssuer + "/revoke",
			JWKSURL:          testIssuer + "/jwks",
		}, result.Endpoints)
		assert.Equal(t, 0, len(result.Warnings))

		again := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, again.Success)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())

		svc.clock.Advance(time.Hour)
		svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Equal(t, int32(2), idp.discoveryHits.Load())
	})

	t.Run("Invalidation forces a refetch", func(t *testing.T) {
		idp := newFakeIdP(t)
		svc := newTestServices(idp, fastRetry())

		svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		svc.discovery.InvalidateIssuer(testIssuer)
		svc.discovery.DiscoverEndpoints(ctx, testIssuer)

		assert.Equal(t, int32(2), idp.discoveryHits.Load())
	})

	t.Run("A canceled caller does not fail the shared fetch", func(t *testing.T) {
		idp := newFakeIdP(t)
		svc := newTestServices(idp, fastRetry())

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		svc.discovery.DiscoverEndpoints(canceled, testIssuer)

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, result.Success, result.Error)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())
	})

	t.Run("Reports optional fields as warnings", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setDocument("jwks_uri", nil)
		idp.setDocument("end_session_endpoint", nil)
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, result.Success)
		assert.DeepEqual(t, []string{
			"Missing jwks_uri (recommended for token validation)",
			"Missing optional field: end_session_endpoint",
		}, result.Warnings)
	})

	t.Run("Rejects an issuer mismatch without caching", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setDocument("issuer", "https://evil.example.org")
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Equal(t, "Issuer mismatch: expected http://idp.example.com, got https://evil.example.org", result.Error)
		assert.Equal(t, 0, svc.cache.Discovery.Len())
	})

	t.Run("Rejects missing required fields", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setDocument("token_endpoint", nil)
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Equal(t, "Missing required field: token_endpoint", result.Error)
	})

	t.Run("Rejects endpoints pointing at internal addresses", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setDocument("token_endpoint", "http://169.254.169.254/token")
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Assert(t, is.Contains(result.Error, "Invalid token_endpoint"))
		assert.Assert(t, is.Contains(result.Error, "Cloud metadata address is not allowed"))
	})

	t.Run("Rejects a non JSON content type", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setContentType("text/html")
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Equal(t, "Invalid content type: text/html", result.Error)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())
	})

	t.Run("Does not retry client errors", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setStatus(404)
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Equal(t, "HTTP 404: Not Found", result.Error)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())
	})

	t.Run("Retries server errors", func(t *testing.T) {
		idp := newFakeIdP(t)
		idp.setStatus(503)
		svc := newTestServices(idp, fastRetry())

		result := svc.discovery.DiscoverEndpoints(ctx, testIssuer)
		assert.Assert(t, !result.Success)
		assert.Equal(t, "HTTP 503: Service Unavailable", result.Error)
		assert.Equal(t, int32(3), idp.discoveryHits.Load())
	})

	t.Run("Refuses unsafe issuers without a request", func(t *testing.T) {
		idp := newFakeIdP(t)
		svc := newTestServices(idp, fastRetry())

		for _, issuer := range []string{"http://127.0.0.1", "http://localhost", "http://10.0.0.1", ""} {
			result := svc.discovery.DiscoverEndpoints(ctx, issuer)
			assert.Assert(t, !result.Success, issuer)
			assert.Assert(t, strings.HasPrefix(result.Error, "Invalid issuer URL: "), result.Error)
		}

		assert.Equal(t, int32(0), idp.discoveryHits.Load())
	})
}

func TestValidateManualEndpoints(t *testing.T) {
	result := service.ValidateManualEndpoints(service.ManualEndpoints{})
	assert.Assert(t, !result.Valid)
	assert.DeepEqual(t, []string{"Authorization URL is required", "Token URL is required"}, result.Errors)
	assert.DeepEqual(t, []string{
		"UserInfo endpoint not configured (may limit user attribute retrieval)",
		"Token revocation endpoint not configured (may impact logout security)",
	}, result.Warnings)

	result = service.ValidateManualEndpoints(service.ManualEndpoints{
		AuthorizationURL: "https://idp.example.com/authorize",
		TokenURL:         "http://192.168.1.10/token",
		UserinfoURL:      "https://idp.example.com/userinfo",
		RevocationURL:    "https://idp.example.com/revoke",
	})
	assert.Assert(t, !result.Valid)
	assert.Equal(t, 1, len(result.Errors))
	assert.Assert(t, is.Contains(result.Errors[0], "Invalid tokenUrl"))
	assert.Equal(t, 0, len(result.Warnings))
}

func TestParseManualEndpoints(t *testing.T) {
	endpoints, err := service.ParseManualEndpoints([]byte(`{"authorizationUrl":" https://idp.example.com/authorize ","tokenUrl":"https://idp.example.com/token"}`))
	assert.NilError(t, err)
	assert.Equal(t, "https://idp.example.com/authorize", endpoints.AuthorizationURL)
	assert.Equal(t, "https://idp.example.com/token", endpoints.TokenURL)

	_, err = service.ParseManualEndpoints([]byte("  "))
	assert.ErrorContains(t, err, "manual endpoints are empty")

	_, err = service.ParseManualEndpoints([]byte("{"))
	assert.ErrorContains(t, err, "invalid format")
}

func TestParseAttributeMapping(t *testing.T) {
	mapping, err := service.ParseAttributeMapping(nil)
	assert.NilError(t, err)
	assert.DeepEqual(t, service.DefaultAttributeMapping, mapping)

	mapping, err = service.ParseAttributeMapping([]byte(`{"username":"upn"}`))
	assert.NilError(t, err)
	assert.DeepEqual(t, service.AttributeMapping{Email: "email", Name: "name", Username: "upn"}, mapping)

	_, err = service.ParseAttributeMapping([]byte(`{"email":"mail address"}`))
	assert.ErrorContains(t, err, "attribute mapping email has an invalid claim name")
}

func TestEndpointConnectivity(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdP(t)
	svc := newTestServices(idp, fastRetry())

	result := svc.discovery.TestEndpointConnectivity(ctx, service.EndpointConfiguration{
		AuthorizationURL: testIssuer + "/authorize",
		TokenURL:         testIssuer + "/token",
		UserinfoURL:      testIssuer + "/not-found",
	})
	assert.Assert(t, result.Reachable(), result.Errors)

	result = svc.discovery.TestEndpointConnectivity(ctx, service.EndpointConfiguration{
		AuthorizationURL: testIssuer + "/authorize",
		TokenURL:         testIssuer + "/error",
		JWKSURL:          "http://127.0.0.1/jwks",
	})
	assert.Assert(t, !result.Reachable())
	assert.Equal(t, 2, len(result.Errors))
	assert.Equal(t, "tokenUrl: HTTP 500: Internal Server Error", result.Errors[0])
	assert.Assert(t, strings.HasPrefix(result.Errors[1], "jwksUrl: "), result.Errors[1])
}

func TestResolveEndpoints(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdP(t)
	svc := newTestServices(idp, fastRetry())

	t.Run("Manual endpoints", func(t *testing.T) {
		endpoints, err := svc.discovery.ResolveEndpoints(ctx, repository.ProviderConfiguration{
			ManualEndpoints: `{"authorizationUrl":"https://idp.example.com/authorize","tokenUrl":"https://idp.example.com/token"}`,
		})
		assert.NilError(t, err)
		assert.Equal(t, "https://idp.example.com/token", endpoints.TokenURL)

		_, err = svc.discovery.ResolveEndpoints(ctx, repository.ProviderConfiguration{
			ManualEndpoints: `{"authorizationUrl":"https://idp.example.com/authorize"}`,
		})
		assert.ErrorContains(t, err, "Token URL is required")
	})

	t.Run("Discovered endpoints", func(t *testing.T) {
		endpoints, err := svc.discovery.ResolveEndpoints(ctx, repository.ProviderConfiguration{
			IssuerURL:     testIssuer,
			AutoDiscovery: true,
		})
		assert.NilError(t, err)
		assert.Equal(t, testIssuer+"/jwks", endpoints.JWKSURL)
	})

	t.Run("Discovery failure", func(t *testing.T) {
		idp.setStatus(404)
		svc.discovery.InvalidateIssuer(testIssuer)

		_, err := svc.discovery.ResolveEndpoints(ctx, repository.ProviderConfiguration{
			IssuerURL:     testIssuer,
			AutoDiscovery: true,
		})
		assert.ErrorContains(t, err, "HTTP 404")
	})
}
