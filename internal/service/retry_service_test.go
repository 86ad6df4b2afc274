package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils"

	"gotest.tools/v3/assert"
)

func TestRetryManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Retries transient failures until success", func(t *testing.T) {
		attempts := 0
		err := fastRetry().Do(ctx, func() error {
			attempts++
			if attempts < 3 {
				return &service.ProviderHTTPError{StatusCode: 503, Status: "Service Unavailable"}
			}
			return nil
		})
		assert.NilError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("Gives up after the attempt budget", func(t *testing.T) {
		attempts := 0
		err := fastRetry().Do(ctx, func() error {
			attempts++
			return io.ErrUnexpectedEOF
		})
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Equal(t, 3, attempts)
	})

	t.Run("Does not retry permanent failures", func(t *testing.T) {
		attempts := 0
		err := fastRetry().Do(ctx, func() error {
			attempts++
			return &service.ProviderHTTPError{StatusCode: 404, Status: "Not Found"}
		})
		var httpErr *service.ProviderHTTPError
		assert.Assert(t, errors.As(err, &httpErr))
		assert.Equal(t, 404, httpErr.StatusCode)
		assert.Equal(t, 1, attempts)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    bool
	}{
		{"Nil", nil, false},
		{"Server error", &service.ProviderHTTPError{StatusCode: 502}, true},
		{"Too many requests", &service.ProviderHTTPError{StatusCode: 429}, true},
		{"Client error", &service.ProviderHTTPError{StatusCode: 400}, false},
		{"Wrapped server error", fmt.Errorf("discovery: %w", &service.ProviderHTTPError{StatusCode: 500}), true},
		{"Deadline", context.DeadlineExceeded, true},
		{"Unexpected EOF", io.ErrUnexpectedEOF, true},
		{"Canceled", context.Canceled, false},
		{"Unsafe URL", &utils.URLSafetyError{URL: "http://127.0.0.1", Reason: "Loopback address is not allowed"}, false},
		{"Invalid format", fmt.Errorf("%w: bad json", utils.ErrInvalidFormat), false},
		{"Unknown", errors.New("boom"), false},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			assert.Equal(t, test.expected, service.IsRetryableError(test.err))
		})
	}
}
