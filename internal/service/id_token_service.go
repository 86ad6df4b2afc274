package service

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

type IDTokenErrorCode string

const (
	IDTokenInvalidToken         IDTokenErrorCode = "INVALID_TOKEN"
	IDTokenExpired              IDTokenErrorCode = "EXPIRED_TOKEN"
	IDTokenInvalidIssuer        IDTokenErrorCode = "INVALID_ISSUER"
	IDTokenInvalidAudience      IDTokenErrorCode = "INVALID_AUDIENCE"
	IDTokenInvalidNonce         IDTokenErrorCode = "INVALID_NONCE"
	IDTokenInvalidSignature     IDTokenErrorCode = "INVALID_SIGNATURE"
	IDTokenJWKSFetchError       IDTokenErrorCode = "JWKS_FETCH_ERROR"
	IDTokenNotYetValid          IDTokenErrorCode = "TOKEN_NOT_YET_VALID"
	IDTokenAuthTimeExpired      IDTokenErrorCode = "AUTH_TIME_EXPIRED"
	IDTokenMissingRequiredClaim IDTokenErrorCode = "MISSING_REQUIRED_CLAIM"
)

var SupportedSigningAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

const (
	DefaultClockTolerance      = 60 * time.Second
	DefaultJWKSFailureCooldown = 30 * time.Second
)

var (
	errJWKSFetch   = errors.New("failed to fetch JWKS")
	errKeyNotFound = errors.New("no matching key in JWKS")
)

// FlexibleBool accepts both JSON booleans and "true"/"false" strings, some providers send the latter.
type FlexibleBool bool

func (b *FlexibleBool) UnmarshalJSON(data []byte) error {
	var value bool
	if err := json.Unmarshal(data, &value); err == nil {
		*b = FlexibleBool(value)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("email_verified must be a boolean: %w", err)
	}
	*b = FlexibleBool(strings.EqualFold(text, "true"))
	return nil
}

type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce             string           `json:"nonce,omitempty"`
	AuthTime          *jwt.NumericDate `json:"auth_time,omitempty"`
	Acr               string           `json:"acr,omitempty"`
	Amr               []string         `json:"amr,omitempty"`
	Azp               string           `json:"azp,omitempty"`
	AtHash            string           `json:"at_hash,omitempty"`
	CHash             string           `json:"c_hash,omitempty"`
	Email             string           `json:"email,omitempty"`
	EmailVerified     FlexibleBool     `json:"email_verified,omitempty"`
	Name              string           `json:"name,omitempty"`
	PreferredUsername string           `json:"preferred_username,omitempty"`
	GivenName         string           `json:"given_name,omitempty"`
	FamilyName        string           `json:"family_name,omitempty"`
	Picture           string           `json:"picture,omitempty"`
	// Raw holds every claim of the payload, for attribute mappings naming custom claims.
	Raw map[string]any `json:"-"`
}

// StringClaim returns a string claim by name from the raw payload.
func (c *IDTokenClaims) StringClaim(name string) string {
	if c == nil || c.Raw == nil {
		return ""
	}
	value, _ := c.Raw[name].(string)
	return value
}

type IDTokenValidationOptions struct {
	Issuer   string
	ClientID string
	Nonce    string
	// MaxAge requires auth_time to be no older than this. Zero disables the check.
	MaxAge time.Duration
	// ClockTolerance falls back to the service default when zero.
	ClockTolerance time.Duration
}

type IDTokenValidationResult struct {
	Valid     bool             `json:"valid"`
	Claims    *IDTokenClaims   `json:"claims,omitempty"`
	ErrorCode IDTokenErrorCode `json:"errorCode,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func invalidIDToken(code IDTokenErrorCode, format string, args ...any) IDTokenValidationResult {
	return IDTokenValidationResult{
		ErrorCode: code,
		Error:     fmt.Sprintf(format, args...),
	}
}

type jwksEntry struct {
	keys jwk.Set
	err  error
	// failedAt is the time of the last failed fetch, zero after a success.
	failedAt time.Time
}

type IDTokenServiceConfig struct {
	ClockTolerance      time.Duration
	JWKSFailureCooldown time.Duration
	Timeout             time.Duration
	Now                 func() time.Time
}

type IDTokenService struct {
	config  IDTokenServiceConfig
	pool    *ConnectionPool
	cache   *OIDCCache
	metrics *metrics.Metrics
	group   singleflight.Group
}

func NewIDTokenService(config IDTokenServiceConfig, pool *ConnectionPool, cache *OIDCCache, metrics *metrics.Metrics) *IDTokenService {
	if config.ClockTolerance <= 0 {
		config.ClockTolerance = DefaultClockTolerance
	}
	if config.JWKSFailureCooldown <= 0 {
		config.JWKSFailureCooldown = DefaultJWKSFailureCooldown
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &IDTokenService{
		config:  config,
		pool:    pool,
		cache:   cache,
		metrics: metrics,
	}
}

func (is *IDTokenService) ValidateIDToken(ctx context.Context, idToken string, jwksURL string, opts IDTokenValidationOptions) IDTokenValidationResult {
	result := is.validate(ctx, idToken, jwksURL, opts)

	if result.Valid {
		is.metrics.ObserveIDTokenValidation("valid")
	} else {
		is.metrics.ObserveIDTokenValidation(string(result.ErrorCode))
		tlog.App.Debug().Str("code", string(result.ErrorCode)).Str("reason", result.Error).Msg("ID token rejected")
	}

	return result
}

func (is *IDTokenService) validate(ctx context.Context, idToken string, jwksURL string, opts IDTokenValidationOptions) IDTokenValidationResult {
	if strings.TrimSpace(idToken) == "" {
		return invalidIDToken(IDTokenInvalidToken, "ID token is empty")
	}

	if jwksURL == "" {
		return invalidIDToken(IDTokenJWKSFetchError, "no JWKS URL configured")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(SupportedSigningAlgorithms),
		jwt.WithoutClaimsValidation(),
	)

	claims := &IDTokenClaims{}

	_, err := parser.ParseWithClaims(idToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return is.signingKey(ctx, jwksURL, kid)
	})

	if err != nil {
		switch {
		case errors.Is(err, errJWKSFetch):
			return invalidIDToken(IDTokenJWKSFetchError, "%v", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return invalidIDToken(IDTokenInvalidToken, "%v", err)
		case errors.Is(err, errKeyNotFound),
			errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return invalidIDToken(IDTokenInvalidSignature, "%v", err)
		default:
			return invalidIDToken(IDTokenInvalidToken, "%v", err)
		}
	}

	if err := fillRawClaims(parser, idToken, claims); err != nil {
		return invalidIDToken(IDTokenInvalidToken, "%v", err)
	}

	tolerance := opts.ClockTolerance
	if tolerance <= 0 {
		tolerance = is.config.ClockTolerance
	}

	if result, ok := is.checkClaims(claims, opts, tolerance); !ok {
		return result
	}

	return IDTokenValidationResult{
		Valid:  true,
		Claims: claims,
	}
}

func (is *IDTokenService) checkClaims(claims *IDTokenClaims, opts IDTokenValidationOptions, tolerance time.Duration) (IDTokenValidationResult, bool) {
	now := is.config.Now()

	switch {
	case claims.Issuer == "":
		return invalidIDToken(IDTokenMissingRequiredClaim, "missing iss claim"), false
	case claims.Subject == "":
		return invalidIDToken(IDTokenMissingRequiredClaim, "missing sub claim"), false
	case claims.ExpiresAt == nil:
		return invalidIDToken(IDTokenMissingRequiredClaim, "missing exp claim"), false
	case claims.IssuedAt == nil:
		return invalidIDToken(IDTokenMissingRequiredClaim, "missing iat claim"), false
	}

	if claims.Issuer != opts.Issuer {
		return invalidIDToken(IDTokenInvalidIssuer, "expected issuer %s, got %s", opts.Issuer, claims.Issuer), false
	}

	if !containsString(claims.Audience, opts.ClientID) {
		return invalidIDToken(IDTokenInvalidAudience, "audience does not contain %s", opts.ClientID), false
	}

	if claims.Azp != "" && claims.Azp != opts.ClientID {
		return invalidIDToken(IDTokenInvalidAudience, "authorized party %s does not match %s", claims.Azp, opts.ClientID), false
	}

	if now.After(claims.ExpiresAt.Add(tolerance)) {
		return invalidIDToken(IDTokenExpired, "token expired at %s", claims.ExpiresAt.Format(time.RFC3339)), false
	}

	if claims.IssuedAt.After(now.Add(tolerance)) {
		return invalidIDToken(IDTokenNotYetValid, "token issued in the future"), false
	}

	if claims.NotBefore != nil && claims.NotBefore.After(now.Add(tolerance)) {
		return invalidIDToken(IDTokenNotYetValid, "token not valid before %s", claims.NotBefore.Format(time.RFC3339)), false
	}

	if opts.Nonce != "" && subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(opts.Nonce)) != 1 {
		return invalidIDToken(IDTokenInvalidNonce, "nonce does not match"), false
	}

	if opts.MaxAge > 0 {
		if claims.AuthTime == nil {
			return invalidIDToken(IDTokenMissingRequiredClaim, "missing auth_time claim"), false
		}
		if claims.AuthTime.Add(opts.MaxAge).Add(tolerance).Before(now) {
			return invalidIDToken(IDTokenAuthTimeExpired, "authentication is older than %s", opts.MaxAge), false
		}
	}

	return IDTokenValidationResult{}, true
}

// signingKey finds the key for kid, refetching the set once per cooldown window when kid is unknown.
func (is *IDTokenService) signingKey(ctx context.Context, jwksURL string, kid string) (any, error) {
	set, err := is.keySet(ctx, jwksURL, kid)

	if err != nil {
		return nil, err
	}

	key, err := lookupKey(set, kid)

	if err != nil {
		return nil, err
	}

	var raw any

	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %s: %w", kid, err)
	}

	return raw, nil
}

func (is *IDTokenService) keySet(ctx context.Context, jwksURL string, kid string) (jwk.Set, error) {
	entry, storedAt, ok := is.cache.JWKS.GetWithAge(jwksURL)

	if ok && entry.keys == nil {
		return nil, fmt.Errorf("%w: %v (cooling down)", errJWKSFetch, entry.err)
	}

	if ok {
		if _, err := lookupKey(entry.keys, kid); err == nil {
			return entry.keys, nil
		}

		lastAttempt := storedAt
		if entry.failedAt.After(lastAttempt) {
			lastAttempt = entry.failedAt
		}

		if is.config.Now().Sub(lastAttempt) < is.config.JWKSFailureCooldown {
			return entry.keys, nil
		}

		tlog.App.Debug().Str("jwks", jwksURL).Str("kid", kid).Msg("Unknown key ID, refreshing JWKS")
	}

	// The fetch is shared, so it must not die with the caller that started it
	results := is.group.DoChan(jwksURL, func() (any, error) {
		return is.refreshKeySet(context.WithoutCancel(ctx), jwksURL)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errJWKSFetch, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, fmt.Errorf("%w: %v", errJWKSFetch, result.Err)
		}
		return result.Val.(jwk.Set), nil
	}
}

// refreshKeySet fetches and caches the key set. A failed refetch keeps a
// previously cached set and only records the failure time.
func (is *IDTokenService) refreshKeySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	set, err := is.fetchKeySet(ctx, jwksURL)

	if err == nil {
		is.cache.JWKS.Set(jwksURL, jwksEntry{keys: set})
		return set, nil
	}

	tlog.App.Warn().Err(err).Str("jwks", jwksURL).Msg("Failed to fetch JWKS")

	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	failedAt := is.config.Now()

	if entry, ok := is.cache.JWKS.Get(jwksURL); ok && entry.keys != nil {
		entry.err = err
		entry.failedAt = failedAt
		if is.cache.JWKS.Replace(jwksURL, entry) {
			return entry.keys, nil
		}
	}

	is.cache.JWKS.SetWithTTL(jwksURL, jwksEntry{err: err, failedAt: failedAt}, is.config.JWKSFailureCooldown)

	return nil, err
}

func (is *IDTokenService) fetchKeySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, is.config.Timeout)
	defer cancel()

	res, err := is.pool.Get(ctx, jwksURL)

	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return nil, newProviderHTTPError(res)
	}

	body, err := ReadLimitedBody(res)

	if err != nil {
		return nil, err
	}

	set, err := jwk.Parse(body)

	if err != nil {
		return nil, fmt.Errorf("invalid JWKS: %w", err)
	}

	if set.Len() == 0 {
		return nil, errors.New("JWKS contains no keys")
	}

	return set, nil
}

func lookupKey(set jwk.Set, kid string) (jwk.Key, error) {
	if set == nil {
		return nil, errKeyNotFound
	}

	if kid != "" {
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %s", errKeyNotFound, kid)
		}
		return key, nil
	}

	// Without a kid only an unambiguous set can be used
	if set.Len() != 1 {
		return nil, fmt.Errorf("%w: token has no kid", errKeyNotFound)
	}

	key, found := set.Key(0)

	if !found {
		return nil, errKeyNotFound
	}

	return key, nil
}

// DecodeIDTokenUnsafe decodes the claims without verifying anything. Only for diagnostics.
func (is *IDTokenService) DecodeIDTokenUnsafe(idToken string) (*IDTokenClaims, error) {
	parser := jwt.NewParser()
	claims := &IDTokenClaims{}

	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token: %w", err)
	}

	if err := fillRawClaims(parser, idToken, claims); err != nil {
		return nil, err
	}

	return claims, nil
}

func (is *IDTokenService) GetTokenKeyID(idToken string) (string, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{})

	if err != nil {
		return "", false
	}

	kid, ok := token.Header["kid"].(string)

	if !ok || kid == "" {
		return "", false
	}

	return kid, true
}

// ValidateAccessTokenHash checks the at_hash claim against accessToken. Tokens
// without at_hash pass, the binding is optional.
func (is *IDTokenService) ValidateAccessTokenHash(idToken string, accessToken string) bool {
	claims := &IDTokenClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(idToken, claims)

	if err != nil {
		return false
	}

	if claims.AtHash == "" {
		return true
	}

	alg, _ := token.Header["alg"].(string)
	expected := ComputeTokenHash(alg, accessToken)

	return subtle.ConstantTimeCompare([]byte(expected), []byte(claims.AtHash)) == 1
}

// ComputeTokenHash builds an at_hash/c_hash value: the left half of the digest
// matching the signing algorithm, base64url encoded.
func ComputeTokenHash(alg string, value string) string {
	hash := crypto.SHA256

	switch {
	case strings.HasSuffix(alg, "384"):
		hash = crypto.SHA384
	case strings.HasSuffix(alg, "512"):
		hash = crypto.SHA512
	}

	h := hash.New()
	h.Write([]byte(value))
	sum := h.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func fillRawClaims(parser *jwt.Parser, idToken string, claims *IDTokenClaims) error {
	parts := strings.Split(idToken, ".")

	if len(parts) != 3 {
		return jwt.ErrTokenMalformed
	}

	payload, err := parser.DecodeSegment(parts[1])

	if err != nil {
		return fmt.Errorf("failed to decode claims: %w", err)
	}

	raw := map[string]any{}

	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("failed to decode claims: %w", err)
	}

	claims.Raw = raw
	return nil
}

func containsString(values []string, value string) bool {
	if value == "" {
		return false
	}
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
