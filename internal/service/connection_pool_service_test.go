package service_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils"

	"gotest.tools/v3/assert"
)

type stubTransport struct {
	status int
	err    error
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func TestConnectionPool(t *testing.T) {
	ctx := context.Background()

	t.Run("Rejects unsafe URLs before dialing", func(t *testing.T) {
		transport := &stubTransport{status: 200}
		pool := service.NewConnectionPool(service.ConnectionPoolConfig{Transport: transport})

		for _, raw := range []string{
			"http://127.0.0.1/",
			"http://169.254.169.254/latest/meta-data",
			"file:///etc/passwd",
			"http://localhost:8080/",
		} {
			_, err := pool.Get(ctx, raw)
			var safetyErr *utils.URLSafetyError
			assert.Assert(t, errors.As(err, &safetyErr), raw)
		}

		assert.Equal(t, 0, pool.Stats().Origins)
	})

	t.Run("Reuses one client per origin", func(t *testing.T) {
		pool := service.NewConnectionPool(service.ConnectionPoolConfig{Transport: &stubTransport{status: 200}})

		first, err := pool.Client("https://idp.example.com/a")
		assert.NilError(t, err)
		second, err := pool.Client("https://idp.example.com/b")
		assert.NilError(t, err)
		other, err := pool.Client("https://other.example.com/")
		assert.NilError(t, err)

		assert.Assert(t, first == second)
		assert.Assert(t, first != other)
		assert.Equal(t, 2, pool.Stats().Origins)
	})

	t.Run("Counts server errors and transport failures", func(t *testing.T) {
		transport := &stubTransport{status: 200}
		pool := service.NewConnectionPool(service.ConnectionPoolConfig{Transport: transport})

		res, err := pool.Get(ctx, "https://idp.example.com/ok")
		assert.NilError(t, err)
		res.Body.Close()

		transport.status = 404
		res, err = pool.Get(ctx, "https://idp.example.com/missing")
		assert.NilError(t, err)
		res.Body.Close()

		transport.status = 503
		res, err = pool.Get(ctx, "https://idp.example.com/down")
		assert.NilError(t, err)
		res.Body.Close()

		transport.err = errors.New("connection refused")
		_, err = pool.Get(ctx, "https://idp.example.com/broken")
		assert.ErrorContains(t, err, "connection refused")

		stats := pool.Stats()
		assert.Equal(t, int64(4), stats.Requests)
		assert.Equal(t, int64(2), stats.Errors)
		assert.Equal(t, 0.5, stats.ErrorRate)
	})

	t.Run("Drops idle origins", func(t *testing.T) {
		clock := newTestClock()
		pool := service.NewConnectionPool(service.ConnectionPoolConfig{
			Transport:   &stubTransport{status: 200},
			IdleTimeout: time.Minute,
			Now:         clock.Now,
		})

		_, err := pool.Client("https://idp.example.com/")
		assert.NilError(t, err)
		assert.Equal(t, 1, pool.Stats().Origins)

		clock.Advance(2 * time.Minute)
		assert.Equal(t, 0, pool.Stats().Origins)
	})
}

func TestReadLimitedBody(t *testing.T) {
	small := &http.Response{Body: io.NopCloser(strings.NewReader("hello"))}
	body, err := service.ReadLimitedBody(small)
	assert.NilError(t, err)
	assert.Equal(t, "hello", string(body))

	large := &http.Response{Body: io.NopCloser(strings.NewReader(strings.Repeat("a", service.MaxResponseSize+1)))}
	_, err = service.ReadLimitedBody(large)
	assert.ErrorIs(t, err, service.ErrResponseTooLarge)
}
