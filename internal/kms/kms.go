// Package kms is the thin client for the external key authority. It wraps
// and unwraps per-object data encryption keys under a master key the
// authority alone holds; no key material is generated or cached here, and
// document content never passes through this package.
package kms

import (
	"context"
	"errors"
	"time"
)

// Failure classes surfaced by key-wrap clients. ErrKeyUnavailable is
// retryable with bounded backoff; ErrKeyPermissionDenied is fatal to the
// calling operation.
var (
	ErrKeyUnavailable      = errors.New("key authority unavailable")
	ErrKeyPermissionDenied = errors.New("key authority permission denied")
)

// KeyWrapper abstracts the external key authority.
//
// Implementations must never expose plaintext master keys and must not
// retain unwrapped DEKs beyond the scope of a single call.
type KeyWrapper interface {
	// KeyID returns the stable identifier of the wrapping key, recorded on
	// each envelope for diagnostics and unwrap routing.
	KeyID() string

	// Wrap encrypts the provided plaintext DEK under the master key.
	Wrap(ctx context.Context, dek []byte) ([]byte, error)

	// Unwrap decrypts a wrapped DEK and returns the plaintext key.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

// withRetry runs op, retrying only ErrKeyUnavailable with doubling backoff
// up to maxAttempts. Any other failure is surfaced immediately. onRetry,
// when non-nil, is invoked once per retry attempt.
func withRetry(ctx context.Context, maxAttempts int, backoff time.Duration, onRetry func(), op func(context.Context) ([]byte, error)) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-ctx.Done():
				return nil, errors.Join(ErrKeyUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrKeyUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
