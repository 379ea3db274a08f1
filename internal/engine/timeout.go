package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/picklr-io/rollout/pkg/provisioner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultTimeout is the default per-node operation timeout.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is the default maximum number of retries for transient errors.
const DefaultRetryMax = 3

// RetryPolicy defines retry behavior for transient backend errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithTimeout wraps a context with a per-node timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// ErrRetriesExhausted wraps the last error of an operation that stayed
// transient through every attempt.
var ErrRetriesExhausted = errors.New("max retries exceeded")

// RetryWithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error. The number of
// attempts made is returned alongside the final error. stop is consulted
// between attempts; a cancelled stop context ends retrying but never
// interrupts an attempt in progress.
func RetryWithBackoff(stop context.Context, policy *RetryPolicy, fn func(attempt int) error, shouldRetry func(error) bool) (int, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attempts++
		lastErr = fn(attempts)
		if lastErr == nil {
			return attempts, nil
		}

		if !shouldRetry(lastErr) {
			return attempts, lastErr
		}

		if attempt < policy.MaxRetries {
			if stop.Err() != nil {
				return attempts, retryCancelled(stop, attempts, lastErr)
			}
			delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
			select {
			case <-stop.Done():
				return attempts, retryCancelled(stop, attempts, lastErr)
			case <-time.After(delay):
			}
		}
	}

	return attempts, fmt.Errorf("%w (%d): %w", ErrRetriesExhausted, policy.MaxRetries, lastErr)
}

func retryCancelled(stop context.Context, attempts int, lastErr error) error {
	return fmt.Errorf("retry cancelled after %d attempt(s): %w", attempts, errors.Join(stop.Err(), lastErr))
}

// calculateBackoff returns exponential backoff with jitter.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	// Add jitter: random between 0 and backoff
	jitter := rand.Float64() * backoff
	return time.Duration(jitter)
}

var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"connection reset",
	"connection refused",
	"timeout",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
	"nonce too low",
	"replacement transaction underpriced",
}

// IsTransientError checks if an error is likely transient and retryable.
// Backends can mark errors explicitly with provisioner.Transient; remote
// plugins signal it through gRPC status codes. Otherwise common connectivity
// and rate limiting messages are recognized.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if provisioner.IsTransient(err) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.OK, codes.Unknown:
			// fall through to message matching
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
