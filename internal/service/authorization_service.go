package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/google/uuid"
)

const (
	TokenTypeBearer = "Bearer"
	tokenBytes      = 32

	defaultAccessTokenExpiry  = config.AccessTokenExpiration * time.Second
	defaultRefreshTokenExpiry = config.RefreshTokenExpiration * time.Second
	defaultCodeExpiry         = config.AuthorizationCodeExpiration * time.Second
)

var (
	// ErrInvalidGrant covers unknown, expired, reused and revoked codes or refresh tokens.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrInvalidToken covers unknown, expired and revoked access tokens.
	ErrInvalidToken = errors.New("invalid token")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// RateLimitedError carries the limiter state of a refused request. It matches ErrRateLimited.
type RateLimitedError struct {
	Result RateLimitResult
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Result.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type AuthorizationRequest struct {
	UserID         string
	OrganizationID string
	ClientName     string
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type AccessTokenInfo struct {
	UserID          string    `json:"userId"`
	OrganizationID  string    `json:"organizationId"`
	AuthorizationID string    `json:"authorizationId"`
	ClientName      string    `json:"clientName"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type AuthorizationServiceConfig struct {
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	CodeExpiry         time.Duration
	// CodeRateLimit bounds the codes issued per user, the default rule applies when zero.
	CodeRateLimit RateLimitRule
	Now           func() time.Time
}

type AuthorizationService struct {
	config    AuthorizationServiceConfig
	db        *sql.DB
	queries   *repository.Queries
	hasher    *utils.TokenHasher
	rateLimit *RateLimitService
	metrics   *metrics.Metrics
}

// NewAuthorizationService wires the service. Code issuance is not rate limited when rateLimit is nil.
func NewAuthorizationService(config AuthorizationServiceConfig, db *sql.DB, queries *repository.Queries, hasher *utils.TokenHasher, rateLimit *RateLimitService, metrics *metrics.Metrics) *AuthorizationService {
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = defaultAccessTokenExpiry
	}
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = defaultRefreshTokenExpiry
	}
	if config.CodeExpiry <= 0 {
		config.CodeExpiry = defaultCodeExpiry
	}
	if config.CodeRateLimit.MaxRequests <= 0 || config.CodeRateLimit.Window <= 0 {
		config.CodeRateLimit = DefaultRateLimitRules.AuthorizationCodes
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AuthorizationService{
		config:    config,
		db:        db,
		queries:   queries,
		hasher:    hasher,
		rateLimit: rateLimit,
		metrics:   metrics,
	}
}

// CreateAuthorizationCode starts a new active authorization and returns its single use code.
func (as *AuthorizationService) CreateAuthorizationCode(ctx context.Context, req AuthorizationRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.OrganizationID) == "" || strings.TrimSpace(req.ClientName) == "" {
		return "", fmt.Errorf("%w: user, organization and client name are required", utils.ErrInvalidFormat)
	}

	// Checked before the transaction, the sqlite store shares the single connection
	if as.rateLimit != nil {
		result := as.rateLimit.CheckRateLimit(ctx, RateLimitKey{Type: config.RateLimitKeyUser, Value: req.UserID}, as.config.CodeRateLimit)
		if !result.Allowed {
			return "", &RateLimitedError{Result: result}
		}
	}

	code, err := utils.GenerateOpaqueToken(tokenBytes)

	if err != nil {
		return "", err
	}

	now := as.config.Now()
	authorizationID := uuid.New().String()

	err = as.withTx(ctx, func(q *repository.Queries) error {
		_, err := q.CreateAuthorization(ctx, repository.Authorization{
			ID:             authorizationID,
			UserID:         req.UserID,
			OrganizationID: req.OrganizationID,
			ClientName:     req.ClientName,
			IsActive:       true,
			CreatedAt:      now.Unix(),
			UpdatedAt:      now.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to create authorization: %w", err)
		}

		err = q.CreateAuthorizationCode(ctx, repository.AuthorizationCode{
			CodeHash:        as.hasher.Hash(code),
			AuthorizationID: authorizationID,
			ExpiresAt:       now.Add(as.config.CodeExpiry).Unix(),
			CreatedAt:       now.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to create authorization code: %w", err)
		}

		return nil
	})

	if err != nil {
		return "", err
	}

	as.metrics.ObserveTokenIssued("authorization_code")
	tlog.AuditCodeIssued(authorizationID, req.UserID, req.OrganizationID, req.ClientName)

	return code, nil
}

// ExchangeAuthorizationCode consumes the code and mints an access and refresh token.
// Concurrent exchanges of one code yield exactly one response; the others get ErrInvalidGrant.
func (as *AuthorizationService) ExchangeAuthorizationCode(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, ErrInvalidGrant
	}

	now := as.config.Now()

	var response *TokenResponse
	var authorizationID string

	err := as.withTx(ctx, func(q *repository.Queries) error {
		id, err := q.ConsumeAuthorizationCode(ctx, repository.ConsumeAuthorizationCodeParams{
			CodeHash: as.hasher.Hash(code),
			Now:      now.Unix(),
		})
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidGrant
		}
		if err != nil {
			return fmt.Errorf("failed to consume authorization code: %w", err)
		}

		authorizationID = id

		authorization, err := q.GetAuthorization(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidGrant
		}
		if err != nil {
			return fmt.Errorf("failed to get authorization: %w", err)
		}
		if !authorization.IsActive {
			return ErrInvalidGrant
		}

		accessToken, err := as.issueAccessToken(ctx, q, id, now)
		if err != nil {
			return err
		}

		refreshToken, err := as.issueRefreshToken(ctx, q, id, now)
		if err != nil {
			return err
		}

		response = &TokenResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    TokenTypeBearer,
			ExpiresIn:    int64(as.config.AccessTokenExpiry / time.Second),
		}

		return nil
	})

	if err != nil {
		tlog.AuditCodeExchange(authorizationID, false)
		if !errors.Is(err, ErrInvalidGrant) {
			tlog.App.Error().Err(err).Msg("Authorization code exchange failed")
		}
		return nil, err
	}

	as.metrics.ObserveTokenIssued("access_token")
	as.metrics.ObserveTokenIssued("refresh_token")
	tlog.AuditCodeExchange(authorizationID, true)

	return response, nil
}

// RefreshAccessToken mints a new access token. The refresh token is not rotated
// and is left out of the response.
func (as *AuthorizationService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidGrant
	}

	now := as.config.Now()

	grant, err := as.queries.GetRefreshTokenGrant(ctx, as.hasher.Hash(refreshToken))

	if errors.Is(err, sql.ErrNoRows) {
		tlog.AuditTokenRefresh("", false)
		return nil, ErrInvalidGrant
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if grant.ExpiresAt <= now.Unix() || !grant.Authorization.IsActive {
		tlog.AuditTokenRefresh(grant.Authorization.ID, false)
		return nil, ErrInvalidGrant
	}

	accessToken, err := as.issueAccessToken(ctx, as.queries, grant.Authorization.ID, now)

	if err != nil {
		return nil, err
	}

	as.metrics.ObserveTokenIssued("access_token")
	tlog.AuditTokenRefresh(grant.Authorization.ID, true)

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(as.config.AccessTokenExpiry / time.Second),
	}, nil
}

func (as *AuthorizationService) ValidateAccessToken(ctx context.Context, accessToken string) (*AccessTokenInfo, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken
	}

	grant, err := as.queries.GetAccessTokenGrant(ctx, as.hasher.Hash(accessToken))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	if grant.ExpiresAt <= as.config.Now().Unix() || !grant.Authorization.IsActive {
		return nil, ErrInvalidToken
	}

	return &AccessTokenInfo{
		UserID:          grant.Authorization.UserID,
		OrganizationID:  grant.Authorization.OrganizationID,
		AuthorizationID: grant.Authorization.ID,
		ClientName:      grant.Authorization.ClientName,
		ExpiresAt:       time.Unix(grant.ExpiresAt, 0),
	}, nil
}

// RevokeAuthorization deactivates the authorization, which invalidates every token
// issued under it. Revoking twice is not an error.
func (as *AuthorizationService) RevokeAuthorization(ctx context.Context, authorizationID string) error {
	changed, err := as.queries.DeactivateAuthorization(ctx, repository.DeactivateAuthorizationParams{
		ID:        authorizationID,
		UpdatedAt: as.config.Now().Unix(),
	})

	if err != nil {
		return fmt.Errorf("failed to deactivate authorization: %w", err)
	}

	if changed {
		tlog.AuditRevocation(authorizationID)
	}

	return nil
}

// RevokeToken revokes the authorization behind an access or refresh token. Unknown tokens are ignored.
func (as *AuthorizationService) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	hash := as.hasher.Hash(token)

	grant, err := as.queries.GetAccessTokenGrant(ctx, hash)

	if errors.Is(err, sql.ErrNoRows) {
		grant, err = as.queries.GetRefreshTokenGrant(ctx, hash)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}

	return as.RevokeAuthorization(ctx, grant.Authorization.ID)
}

// TokenFingerprint is the stored hash of token, safe to use as a rate limit key.
func (as *AuthorizationService) TokenFingerprint(token string) string {
	return as.hasher.Hash(token)
}

// DeleteExpired removes expired codes and tokens.
func (as *AuthorizationService) DeleteExpired(ctx context.Context) error {
	now := as.config.Now().Unix()

	if err := as.queries.DeleteExpiredAuthorizationCodes(ctx, now); err != nil {
		return fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}

	if err := as.queries.DeleteExpiredAccessTokens(ctx, now); err != nil {
		return fmt.Errorf("failed to delete expired access tokens: %w", err)
	}

	if err := as.queries.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		return fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}

	return nil
}

func (as *AuthorizationService) issueAccessToken(ctx context.Context, q *repository.Queries, authorizationID string, now time.Time) (string, error) {
	token, err := utils.GenerateOpaqueToken(tokenBytes)

	if err != nil {
		return "", err
	}

	err = q.CreateAccessToken(ctx, repository.AccessToken{
		TokenHash:       as.hasher.Hash(token),
		AuthorizationID: authorizationID,
		ExpiresAt:       now.Add(as.config.AccessTokenExpiry).Unix(),
		CreatedAt:       now.Unix(),
	})

	if err != nil {
		return "", fmt.Errorf("failed to store access token: %w", err)
	}

	return token, nil
}

func (as *AuthorizationService) issueRefreshToken(ctx context.Context, q *repository.Queries, authorizationID string, now time.Time) (string, error) {
	token, err := utils.GenerateOpaqueToken(tokenBytes)

	if err != nil {
		return "", err
	}

	err = q.CreateRefreshToken(ctx, repository.RefreshToken{
		TokenHash:       as.hasher.Hash(token),
		AuthorizationID: authorizationID,
		ExpiresAt:       now.Add(as.config.RefreshTokenExpiry).Unix(),
		CreatedAt:       now.Unix(),
	})

	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	return token, nil
}

func (as *AuthorizationService) withTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := as.db.BeginTx(ctx, nil)

	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(as.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
