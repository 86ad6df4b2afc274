package service_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"gotest.tools/v3/assert"
)

func newAuthorizationService(t *testing.T) (*service.AuthorizationService, *sql.DB, *testClock) {
	t.Helper()

	tlog.NewSimpleLogger().Init()

	db, queries := newTestDB(t)
	clock := newTestClock()

	hasher, err := utils.NewTokenHasher("test-secret-test-secret-test-secret")
	assert.NilError(t, err)

	svc := service.NewAuthorizationService(service.AuthorizationServiceConfig{
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: 24 * time.Hour,
		CodeExpiry:         10 * time.Minute,
		Now:                clock.Now,
	}, db, queries, hasher, nil, nil)

	return svc, db, clock
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&count)
	assert.NilError(t, err)

	return count
}

var testAuthorizationRequest = service.AuthorizationRequest{
	UserID:         "user-1",
	OrganizationID: "org-1",
	ClientName:     "Desktop Client",
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("Exchanges a code exactly once", func(t *testing.T) {
		svc, _, _ := newAuthorizationService(t)

		code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)
		assert.Equal(t, 43, len(code))

		tokens, err := svc.ExchangeAuthorizationCode(ctx, code)
		assert.NilError(t, err)
		assert.Equal(t, "Bearer", tokens.TokenType)
		assert.Equal(t, int64(3600), tokens.ExpiresIn)
		assert.Assert(t, tokens.AccessToken != "")
		assert.Assert(t, tokens.RefreshToken != "")
		assert.Assert(t, tokens.AccessToken != tokens.RefreshToken)

		info, err := svc.ValidateAccessToken(ctx, tokens.AccessToken)
		assert.NilError(t, err)
		assert.Equal(t, "user-1", info.UserID)
		assert.Equal(t, "org-1", info.OrganizationID)
		assert.Equal(t, "Desktop Client", info.ClientName)

		_, err = svc.ExchangeAuthorizationCode(ctx, code)
		assert.ErrorIs(t, err, service.ErrInvalidGrant)
	})

	t.Run("Concurrent exchanges yield one token pair", func(t *testing.T) {
		svc, _, _ := newAuthorizationService(t)

		code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)

		const workers = 8

		var wg sync.WaitGroup
		results := make([]error, workers)

		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = svc.ExchangeAuthorizationCode(ctx, code)
			}()
		}

		wg.Wait()

		successes := 0
		for _, err := range results {
			if err == nil {
				successes++
				continue
			}
			assert.ErrorIs(t, err, service.ErrInvalidGrant)
		}

		assert.Equal(t, 1, successes)
	})

	t.Run("Rejects expired and unknown codes", func(t *testing.T) {
		svc, _, clock := newAuthorizationService(t)

		code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)

		clock.Advance(10 * time.Minute)

		_, err = svc.ExchangeAuthorizationCode(ctx, code)
		assert.ErrorIs(t, err, service.ErrInvalidGrant)

		_, err = svc.ExchangeAuthorizationCode(ctx, "unknown-code")
		assert.ErrorIs(t, err, service.ErrInvalidGrant)

		_, err = svc.ExchangeAuthorizationCode(ctx, "")
		assert.ErrorIs(t, err, service.ErrInvalidGrant)
	})

	t.Run("Requires user, organization and client", func(t *testing.T) {
		svc, _, _ := newAuthorizationService(t)

		_, err := svc.CreateAuthorizationCode(ctx, service.AuthorizationRequest{UserID: "user-1", OrganizationID: "org-1"})
		assert.ErrorIs(t, err, utils.ErrInvalidFormat)
	})
}

func TestAuthorizationCodeRateLimit(t *testing.T) {
	tlog.NewSimpleLogger().Init()

	ctx := context.Background()
	db, queries := newTestDB(t)
	clock := newTestClock()

	hasher, err := utils.NewTokenHasher("test-secret-test-secret-test-secret")
	assert.NilError(t, err)

	rateLimit := service.NewRateLimitService(service.RateLimitServiceConfig{Now: clock.Now}, service.NewSQLiteRateLimitStore(db, queries), nil)

	svc := service.NewAuthorizationService(service.AuthorizationServiceConfig{
		Now: clock.Now,
	}, db, queries, hasher, rateLimit, nil)

	for range 10 {
		_, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)
	}

	// The 11th code within the hour is refused
	_, err = svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
	assert.ErrorIs(t, err, service.ErrRateLimited)

	var limited *service.RateLimitedError
	assert.Assert(t, errors.As(err, &limited))
	assert.Equal(t, 10, limited.Result.Limit)
	assert.Equal(t, 0, limited.Result.Remaining)
	assert.Equal(t, 10, countRows(t, db, "oauth_authorization_codes"))

	// Other users have their own window
	other := testAuthorizationRequest
	other.UserID = "user-2"

	_, err = svc.CreateAuthorizationCode(ctx, other)
	assert.NilError(t, err)

	// The window slides
	clock.Advance(time.Hour)

	_, err = svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
	assert.NilError(t, err)
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newAuthorizationService(t)

	code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
	assert.NilError(t, err)

	tokens, err := svc.ExchangeAuthorizationCode(ctx, code)
	assert.NilError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = svc.ValidateAccessToken(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, service.ErrInvalidToken)

	refreshed, err := svc.RefreshAccessToken(ctx, tokens.RefreshToken)
	assert.NilError(t, err)
	assert.Equal(t, "", refreshed.RefreshToken)
	assert.Assert(t, refreshed.AccessToken != tokens.AccessToken)

	_, err = svc.ValidateAccessToken(ctx, refreshed.AccessToken)
	assert.NilError(t, err)

	// The refresh token is reusable until it expires
	_, err = svc.RefreshAccessToken(ctx, tokens.RefreshToken)
	assert.NilError(t, err)

	clock.Advance(24 * time.Hour)

	_, err = svc.RefreshAccessToken(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, service.ErrInvalidGrant)

	_, err = svc.RefreshAccessToken(ctx, "unknown")
	assert.ErrorIs(t, err, service.ErrInvalidGrant)
}

func TestRevocation(t *testing.T) {
	ctx := context.Background()

	t.Run("Revoking a token ends its authorization", func(t *testing.T) {
		svc, _, _ := newAuthorizationService(t)

		code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)

		tokens, err := svc.ExchangeAuthorizationCode(ctx, code)
		assert.NilError(t, err)

		assert.NilError(t, svc.RevokeToken(ctx, tokens.RefreshToken))

		_, err = svc.ValidateAccessToken(ctx, tokens.AccessToken)
		assert.ErrorIs(t, err, service.ErrInvalidToken)

		_, err = svc.RefreshAccessToken(ctx, tokens.RefreshToken)
		assert.ErrorIs(t, err, service.ErrInvalidGrant)

		// Unknown and repeated revocations are accepted
		assert.NilError(t, svc.RevokeToken(ctx, tokens.AccessToken))
		assert.NilError(t, svc.RevokeToken(ctx, "unknown"))
		assert.NilError(t, svc.RevokeToken(ctx, ""))
	})

	t.Run("Revoking an authorization twice is accepted", func(t *testing.T) {
		svc, _, _ := newAuthorizationService(t)

		code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
		assert.NilError(t, err)

		first, err := svc.ExchangeAuthorizationCode(ctx, code)
		assert.NilError(t, err)

		info, err := svc.ValidateAccessToken(ctx, first.AccessToken)
		assert.NilError(t, err)

		assert.NilError(t, svc.RevokeAuthorization(ctx, info.AuthorizationID))
		assert.NilError(t, svc.RevokeAuthorization(ctx, info.AuthorizationID))

		_, err = svc.ValidateAccessToken(ctx, first.AccessToken)
		assert.ErrorIs(t, err, service.ErrInvalidToken)
	})
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	svc, db, clock := newAuthorizationService(t)

	code, err := svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
	assert.NilError(t, err)

	_, err = svc.ExchangeAuthorizationCode(ctx, code)
	assert.NilError(t, err)

	_, err = svc.CreateAuthorizationCode(ctx, testAuthorizationRequest)
	assert.NilError(t, err)

	assert.NilError(t, svc.DeleteExpired(ctx))
	assert.Equal(t, 2, countRows(t, db, "oauth_authorization_codes"))
	assert.Equal(t, 1, countRows(t, db, "oauth_access_tokens"))

	clock.Advance(2 * time.Hour)
	assert.NilError(t, svc.DeleteExpired(ctx))
	assert.Equal(t, 0, countRows(t, db, "oauth_authorization_codes"))
	assert.Equal(t, 0, countRows(t, db, "oauth_access_tokens"))
	assert.Equal(t, 1, countRows(t, db, "oauth_refresh_tokens"))

	clock.Advance(24 * time.Hour)
	assert.NilError(t, svc.DeleteExpired(ctx))
	assert.Equal(t, 0, countRows(t, db, "oauth_refresh_tokens"))
}

func TestTokenFingerprint(t *testing.T) {
	svc, _, _ := newAuthorizationService(t)

	fingerprint := svc.TokenFingerprint("token")
	assert.Equal(t, 64, len(fingerprint))
	assert.Equal(t, fingerprint, svc.TokenFingerprint("token"))
	assert.Assert(t, fingerprint != svc.TokenFingerprint("other"))
}
