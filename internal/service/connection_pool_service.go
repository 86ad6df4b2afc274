package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/steveiliop56/tinytrust/internal/metrics"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"golang.org/x/time/rate"
)

const (
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultPoolIdleTimeout = 5 * time.Minute
	MaxResponseSize        = 1 << 20
	maxRedirects           = 5
)

var ErrResponseTooLarge = errors.New("response body too large")

type ConnectionPoolConfig struct {
	Timeout     time.Duration
	IdleTimeout time.Duration
	// RequestsPerSecond throttles each origin, zero disables throttling.
	RequestsPerSecond float64
	// Transport replaces the default dialing transport. The URL safety check still applies.
	Transport http.RoundTripper
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type PoolStats struct {
	Requests  int64   `json:"requests"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"errorRate"`
	Origins   int     `json:"origins"`
}

type poolEntry struct {
	client   *http.Client
	limiter  *rate.Limiter
	requests int64
	errors   int64
	lastUsed time.Time
}

// ConnectionPool hands out one http.Client per origin and tracks request and
// error counters for each of them. Idle origins are dropped on access.
type ConnectionPool struct {
	config    ConnectionPoolConfig
	transport http.RoundTripper
	mutex     sync.Mutex
	entries   map[string]*poolEntry
}

func NewConnectionPool(config ConnectionPoolConfig) *ConnectionPool {
	if config.Timeout <= 0 {
		config.Timeout = DefaultHTTPTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultPoolIdleTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	transport := config.Transport
	if transport == nil {
		transport = newSafeTransport()
	}

	return &ConnectionPool{
		config:    config,
		transport: transport,
		entries:   make(map[string]*poolEntry),
	}
}

func newSafeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   utils.SafeDialerControl,
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Client returns the client for the URL's origin after checking the URL is safe to contact.
func (pool *ConnectionPool) Client(rawURL string) (*http.Client, error) {
	if err := utils.ValidateURLSafety(rawURL); err != nil {
		return nil, err
	}

	origin, err := utils.GetOrigin(rawURL)

	if err != nil {
		return nil, err
	}

	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	now := pool.config.Now()
	pool.cleanupIdleLocked(now)

	entry, exists := pool.entries[origin]

	if !exists {
		entry = pool.newEntry(origin)
		pool.entries[origin] = entry
		tlog.App.Debug().Str("origin", origin).Msg("Created pooled client")
	}

	entry.lastUsed = now
	return entry.client, nil
}

func (pool *ConnectionPool) newEntry(origin string) *poolEntry {
	entry := &poolEntry{}

	if pool.config.RequestsPerSecond > 0 {
		burst := max(int(pool.config.RequestsPerSecond), 1)
		entry.limiter = rate.NewLimiter(rate.Limit(pool.config.RequestsPerSecond), burst)
	}

	entry.client = &http.Client{
		Timeout: pool.config.Timeout,
		Transport: &countingTransport{
			pool:   pool,
			origin: origin,
			entry:  entry,
			base:   pool.transport,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return utils.ValidateURLSafety(req.URL.String())
		},
	}

	return entry
}

// Do sends the request with a context bounded by the pool timeout.
func (pool *ConnectionPool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	client, err := pool.Client(req.URL.String())

	if err != nil {
		return nil, err
	}

	return client.Do(req.WithContext(ctx))
}

// Get performs a GET with an Accept: application/json header.
func (pool *ConnectionPool) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidFormat, err)
	}

	req.Header.Set("Accept", "application/json")

	return pool.Do(ctx, req)
}

func (pool *ConnectionPool) Stats() PoolStats {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	pool.cleanupIdleLocked(pool.config.Now())

	stats := PoolStats{Origins: len(pool.entries)}

	for _, entry := range pool.entries {
		stats.Requests += entry.requests
		stats.Errors += entry.errors
	}

	if stats.Requests > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.Requests)
	}

	return stats
}

func (pool *ConnectionPool) cleanupIdleLocked(now time.Time) {
	for origin, entry := range pool.entries {
		if now.Sub(entry.lastUsed) > pool.config.IdleTimeout {
			entry.client.CloseIdleConnections()
			delete(pool.entries, origin)
			tlog.App.Debug().Str("origin", origin).Msg("Dropped idle pooled client")
		}
	}
}

func (pool *ConnectionPool) record(origin string, entry *poolEntry, failed bool) {
	pool.mutex.Lock()
	entry.requests++
	if failed {
		entry.errors++
	}
	entry.lastUsed = pool.config.Now()
	pool.mutex.Unlock()

	pool.config.Metrics.ObserveOutbound(origin, failed)
}

type countingTransport struct {
	pool   *ConnectionPool
	origin string
	entry  *poolEntry
	base   http.RoundTripper
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.entry.limiter != nil {
		if err := t.entry.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	res, err := t.base.RoundTrip(req)
	t.pool.record(t.origin, t.entry, err != nil || res.StatusCode >= http.StatusInternalServerError)

	return res, err
}

// ReadLimitedBody reads and closes the body, failing when it exceeds MaxResponseSize.
func ReadLimitedBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxResponseSize+1))

	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}

	return body, nil
}
