package service_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveiliop56/tinytrust/internal/bootstrap"
	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/repository"
	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"gotest.tools/v3/assert"
)

const (
	testIssuer   = "http://idp.example.com"
	testClientID = "client-1"
	testKeyID    = "key-1"
)

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// fakeIdP serves discovery, JWKS and token endpoints. Every host name resolves
// to it through transport(), so tests use public looking issuer URLs.
type fakeIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mutex        sync.Mutex
	document     map[string]any
	status       int
	contentType  string
	jwksStatus   int
	tokenHandler http.HandlerFunc

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	tlog.NewSimpleLogger().Init()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NilError(t, err)

	idp := &fakeIdP{
		key:         key,
		status:      http.StatusOK,
		contentType: "application/json; charset=utf-8",
		jwksStatus:  http.StatusOK,
		document: map[string]any{
			"issuer":                                testIssuer,
			"authorization_endpoint":                testIssuer + "/authorize",
			"token_endpoint":                        testIssuer + "/token",
			"userinfo_endpoint":                     testIssuer + "/userinfo",
			"jwks_uri":                              testIssuer + "/jwks",
			"revocation_endpoint":                   testIssuer + "/revoke",
			"end_session_endpoint":                  testIssuer + "/logout",
			"scopes_supported":                      []string{"openid", "profile", "email"},
			"response_types_supported":              []string{"code"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		idp.discoveryHits.Add(1)

		idp.mutex.Lock()
		status, contentType := idp.status, idp.contentType
		body, _ := json.Marshal(idp.document)
		idp.mutex.Unlock()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})

	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		idp.jwksHits.Add(1)

		idp.mutex.Lock()
		status := idp.jwksStatus
		idp.mutex.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(idp.keySet())
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idp.mutex.Lock()
		handler := idp.tokenHandler
		idp.mutex.Unlock()

		if handler == nil || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		handler(w, r)
	})

	for _, path := range []string{"/authorize", "/userinfo", "/revoke", "/logout"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)

	return idp
}

func (idp *fakeIdP) keySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       &idp.key.PublicKey,
				KeyID:     testKeyID,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
		},
	}
}

func (idp *fakeIdP) setDocument(field string, value any) {
	idp.mutex.Lock()
	defer idp.mutex.Unlock()
	if value == nil {
		delete(idp.document, field)
		return
	}
	idp.document[field] = value
}

func (idp *fakeIdP) setStatus(status int) {
	idp.mutex.Lock()
	defer idp.mutex.Unlock()
	idp.status = status
}

func (idp *fakeIdP) setContentType(contentType string) {
	idp.mutex.Lock()
	defer idp.mutex.Unlock()
	idp.contentType = contentType
}

func (idp *fakeIdP) setJWKSStatus(status int) {
	idp.mutex.Lock()
	defer idp.mutex.Unlock()
	idp.jwksStatus = status
}

func (idp *fakeIdP) setTokenHandler(handler http.HandlerFunc) {
	idp.mutex.Lock()
	defer idp.mutex.Unlock()
	idp.tokenHandler = handler
}

// transport sends every request to the fake server, whatever the URL host.
func (idp *fakeIdP) transport() http.RoundTripper {
	addr := idp.server.Listener.Addr().String()
	return &http.Transport{
		DialContext: func(ctx context.Context, network string, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

func (idp *fakeIdP) claims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                testIssuer,
		"sub":                "user-1",
		"aud":                testClientID,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"nonce":              "nonce-1",
		"email":              "user@example.com",
		"email_verified":     "true",
		"name":               "User One",
		"preferred_username": "user1",
		"groups_claim":       "custom-value",
	}
}

func (idp *fakeIdP) sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	return idp.signWithKey(t, claims, idp.key, testKeyID)
}

func (idp *fakeIdP) signWithKey(t *testing.T, claims jwt.Claims, key *rsa.PrivateKey, kid string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	assert.NilError(t, err)

	return signed
}

type testServices struct {
	clock     *testClock
	pool      *service.ConnectionPool
	cache     *service.OIDCCache
	discovery *service.DiscoveryService
	idTokens  *service.IDTokenService
}

func newTestServices(idp *fakeIdP, retry *service.RetryManager) testServices {
	clock := newTestClock()

	pool := service.NewConnectionPool(service.ConnectionPoolConfig{
		Transport: idp.transport(),
		Timeout:   5 * time.Second,
	})

	cache := service.NewOIDCCache(service.OIDCCacheConfig{
		DiscoveryTTL: time.Hour,
		JWKSTTL:      time.Hour,
		Now:          clock.Now,
	})

	discovery := service.NewDiscoveryService(service.DiscoveryServiceConfig{
		Timeout: 5 * time.Second,
	}, pool, cache, retry, nil)

	idTokens := service.NewIDTokenService(service.IDTokenServiceConfig{
		Timeout: 5 * time.Second,
		Now:     clock.Now,
	}, pool, cache, nil)

	return testServices{
		clock:     clock,
		pool:      pool,
		cache:     cache,
		discovery: discovery,
		idTokens:  idTokens,
	}
}

func fastRetry() *service.RetryManager {
	return service.NewRetryManager(service.RetryManagerConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})
}

func newTestDB(t *testing.T) (*sql.DB, *repository.Queries) {
	t.Helper()

	app := bootstrap.NewBootstrapApp(config.Config{})

	db, err := app.SetupDatabase(filepath.Join(t.TempDir(), "tinytrust.db"))
	assert.NilError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db, repository.New(db)
}
