package service

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"golang.org/x/oauth2"
)

var (
	ErrProviderNotFound   = errors.New("provider configuration not found")
	ErrProviderDisabled   = errors.New("provider configuration is disabled")
	ErrStateMismatch      = errors.New("state does not match")
	ErrLoginTampered      = errors.New("login state signature is invalid")
	ErrMissingIDToken     = errors.New("token response has no id_token")
	ErrAccessTokenBinding = errors.New("at_hash does not match the access token")
)

// IDTokenRejectedError carries the validation failure of an upstream ID token.
type IDTokenRejectedError struct {
	Code   IDTokenErrorCode
	Reason string
}

func (e *IDTokenRejectedError) Error() string {
	return fmt.Sprintf("ID token rejected (%s): %s", e.Code, e.Reason)
}

// ProviderLogin is the per login state the caller keeps between redirect and callback.
// Signature binds the fields to this server, so a caller cannot swap the
// nonce, verifier, redirect or provider before completing the login.
type ProviderLogin struct {
	ProviderID  string `json:"providerId"`
	RedirectURL string `json:"redirectUrl"`
	URL         string `json:"url"`
	State       string `json:"state"`
	Nonce       string `json:"nonce"`
	Verifier    string `json:"verifier"`
	Signature   string `json:"signature"`
}

func (login ProviderLogin) signedPayload() string {
	return strings.Join([]string{"provider-login", login.ProviderID, login.RedirectURL, login.State, login.Nonce, login.Verifier}, "\x00")
}

// FederatedIdentity is a user authenticated by an external identity provider.
type FederatedIdentity struct {
	ProviderID     string `json:"providerId"`
	OrganizationID string `json:"organizationId"`
	Issuer         string `json:"issuer"`
	Subject        string `json:"subject"`
	Email          string `json:"email,omitempty"`
	EmailVerified  bool   `json:"emailVerified"`
	Name           string `json:"name,omitempty"`
	Username       string `json:"username,omitempty"`
}

// ProviderClientService runs the authorization code flow against a configured identity provider.
type ProviderClientService struct {
	queries   *repository.Queries
	pool      *ConnectionPool
	discovery *DiscoveryService
	idTokens  *IDTokenService
	hasher    *utils.TokenHasher
}

func NewProviderClientService(queries *repository.Queries, pool *ConnectionPool, discovery *DiscoveryService, idTokens *IDTokenService, hasher *utils.TokenHasher) *ProviderClientService {
	return &ProviderClientService{
		queries:   queries,
		pool:      pool,
		discovery: discovery,
		idTokens:  idTokens,
		hasher:    hasher,
	}
}

func (pc *ProviderClientService) oauthConfig(ctx context.Context, providerID string, redirectURL string) (repository.ProviderConfiguration, EndpointConfiguration, *oauth2.Config, error) {
	provider, err := pc.queries.GetProviderConfiguration(ctx, providerID)

	if errors.Is(err, sql.ErrNoRows) {
		return provider, EndpointConfiguration{}, nil, ErrProviderNotFound
	}

	if err != nil {
		return provider, EndpointConfiguration{}, nil, fmt.Errorf("failed to load provider configuration: %w", err)
	}

	if !provider.Enabled {
		return provider, EndpointConfiguration{}, nil, ErrProviderDisabled
	}

	endpoints, err := pc.discovery.ResolveEndpoints(ctx, provider)

	if err != nil {
		return provider, EndpointConfiguration{}, nil, fmt.Errorf("failed to resolve endpoints: %w", err)
	}

	return provider, endpoints, &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       ParseScopes(provider.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthorizationURL,
			TokenURL: endpoints.TokenURL,
		},
	}, nil
}

// BeginLogin builds the authorization URL with PKCE (S256) and a nonce.
func (pc *ProviderClientService) BeginLogin(ctx context.Context, providerID string, redirectURL string) (*ProviderLogin, error) {
	if err := utils.ValidateURLSafety(redirectURL); err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	_, _, oauthConfig, err := pc.oauthConfig(ctx, providerID, redirectURL)

	if err != nil {
		return nil, err
	}

	state, err := utils.GenerateOpaqueToken(32)

	if err != nil {
		return nil, err
	}

	nonce, err := utils.GenerateOpaqueToken(32)

	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()

	url := oauthConfig.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)

	login := &ProviderLogin{
		ProviderID:  providerID,
		RedirectURL: redirectURL,
		URL:         url,
		State:       state,
		Nonce:       nonce,
		Verifier:    verifier,
	}
	login.Signature = pc.hasher.Hash(login.signedPayload())

	return login, nil
}

// CompleteLogin exchanges the code, validates the returned ID token and maps its claims.
func (pc *ProviderClientService) CompleteLogin(ctx context.Context, login ProviderLogin, code string, state string) (*FederatedIdentity, error) {
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(login.State)) != 1 {
		return nil, ErrStateMismatch
	}

	if !pc.hasher.Equal(login.signedPayload(), login.Signature) {
		return nil, ErrLoginTampered
	}

	provider, endpoints, oauthConfig, err := pc.oauthConfig(ctx, login.ProviderID, login.RedirectURL)

	if err != nil {
		return nil, err
	}

	client, err := pc.pool.Client(endpoints.TokenURL)

	if err != nil {
		return nil, fmt.Errorf("invalid token endpoint: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	token, err := oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(login.Verifier))

	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	idToken, ok := token.Extra("id_token").(string)

	if !ok || idToken == "" {
		return nil, ErrMissingIDToken
	}

	issuer, err := utils.NormalizeIssuerURL(provider.IssuerURL)

	if err != nil {
		return nil, err
	}

	result := pc.idTokens.ValidateIDToken(ctx, idToken, endpoints.JWKSURL, IDTokenValidationOptions{
		Issuer:   issuer,
		ClientID: provider.ClientID,
		Nonce:    login.Nonce,
	})

	if !result.Valid {
		return nil, &IDTokenRejectedError{Code: result.ErrorCode, Reason: result.Error}
	}

	if !pc.idTokens.ValidateAccessTokenHash(idToken, token.AccessToken) {
		return nil, ErrAccessTokenBinding
	}

	mapping, err := ParseAttributeMapping([]byte(provider.AttributeMapping))

	if err != nil {
		return nil, err
	}

	identity := MapFederatedIdentity(provider, result.Claims, mapping)

	tlog.App.Info().Str("provider", provider.ID).Str("subject", identity.Subject).Msg("Federated login completed")

	return identity, nil
}

// MapFederatedIdentity applies an attribute mapping to validated claims.
func MapFederatedIdentity(provider repository.ProviderConfiguration, claims *IDTokenClaims, mapping AttributeMapping) *FederatedIdentity {
	return &FederatedIdentity{
		ProviderID:     provider.ID,
		OrganizationID: provider.OrganizationID,
		Issuer:         claims.Issuer,
		Subject:        claims.Subject,
		Email:          claims.StringClaim(mapping.Email),
		EmailVerified:  bool(claims.EmailVerified),
		Name:           claims.StringClaim(mapping.Name),
		Username:       claims.StringClaim(mapping.Username),
	}
}
