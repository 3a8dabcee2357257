package lyra

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Errors a Backend implementation returns (wrapped or bare) so the gateway can
// classify failures without knowing the concrete client library.
var (
	// ErrVersionConflict is returned when a conditional write presents a token that no
	// longer matches the stored generation.
	ErrVersionConflict = errors.New("version token mismatch")
	// ErrThrottled is returned when the backend asks the caller to slow down.
	ErrThrottled = errors.New("request throttled by backend")
	// ErrUnauthorized is returned when the backend rejects credentials or permissions.
	ErrUnauthorized = errors.New("backend rejected authorization")
	// ErrMalformedRequest is returned when the backend rejects the request shape.
	ErrMalformedRequest = errors.New("backend rejected malformed request")
	// ErrPayloadTooLarge is returned when a write exceeds the backend's size limit.
	ErrPayloadTooLarge = errors.New("payload exceeds backend write limit")
)

// RetryPolicy configures exponential backoff with jitter for backend calls.
type RetryPolicy struct {
	// BaseDelay is the first backoff interval; each retry doubles it.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// JitterPercent randomizes each interval by +/- this percentage.
	JitterPercent uint64 `json:"jitter_percent" yaml:"jitter_percent"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		MaxAttempts:   6,
		JitterPercent: 20,
	}
}

// normalized fills zero fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

// Backoff builds the go-retry backoff described by the policy.
func (p RetryPolicy) Backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Retry runs task under the policy. Errors for which ShouldRetry is false end the loop
// immediately and are returned as is. When the budget runs out on a retryable error,
// the result is an Error with code RetryExhausted wrapping the last failure.
// onRetry, when not nil, is called before each backoff sleep.
func Retry(ctx context.Context, p RetryPolicy, task func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempt := 0
	var lastRetryable error
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempt++
		err := task(ctx)
		if err == nil {
			lastRetryable = nil
			return nil
		}
		if !ShouldRetry(err) {
			lastRetryable = nil
			return err
		}
		lastRetryable = err
		if onRetry != nil {
			onRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if lastRetryable != nil && errors.Is(err, lastRetryable) {
		return Error{Code: RetryExhausted, Err: lastRetryable, UserData: attempt}
	}
	return err
}

// ShouldRetry reports whether err is a transient backend failure worth retrying.
// Context cancellation, version conflicts and the fatal backend rejections are not.
// Unrecognized errors are treated as transient.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrMalformedRequest) ||
		errors.Is(err, ErrPayloadTooLarge) {
		return false
	}
	var le Error
	if errors.As(err, &le) && le.Code != Throttled {
		return false
	}
	return true
}

// IsTransientNetworkError reports whether err looks like a dropped or timed out
// connection rather than a server-side rejection.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
