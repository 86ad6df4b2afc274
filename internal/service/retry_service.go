package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/cenkalti/backoff/v5"
)

// ProviderHTTPError is a non-2xx answer from an identity provider.
type ProviderHTTPError struct {
	StatusCode int
	Status     string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

func (e *ProviderHTTPError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

func newProviderHTTPError(res *http.Response) *ProviderHTTPError {
	return &ProviderHTTPError{
		StatusCode: res.StatusCode,
		Status:     http.StatusText(res.StatusCode),
	}
}

type RetryManagerConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides whether an error is worth another attempt. Defaults to IsRetryableError.
	Retryable func(error) bool
}

type RetryManager struct {
	config RetryManagerConfig
}

func NewRetryManager(config RetryManagerConfig) *RetryManager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 2
	}
	if config.Retryable == nil {
		config.Retryable = IsRetryableError
	}
	return &RetryManager{
		config: config,
	}
}

// Do runs op until it succeeds, returns a non retryable error or runs out of attempts.
func (rm *RetryManager) Do(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = rm.config.InitialDelay
	exp.MaxInterval = rm.config.MaxDelay
	exp.Multiplier = rm.config.BackoffFactor
	exp.RandomizationFactor = 0.1
	exp.Reset()

	operation := func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !rm.config.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, next time.Duration) {
		tlog.App.Debug().Err(err).Dur("next", next).Msg("Retrying identity provider call")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(rm.config.MaxAttempts)),
		backoff.WithNotify(notify),
	)

	return err
}

// IsRetryableError accepts transient network failures and provider 5xx/429 answers.
// Security rejections, input errors and cancellation are never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var safetyErr *utils.URLSafetyError
	if errors.As(err, &safetyErr) {
		return false
	}

	if errors.Is(err, utils.ErrInvalidFormat) || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *ProviderHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
