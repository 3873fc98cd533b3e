// Package signer turns an approved challenge token into a signature.
//
// The server only depends on the Signer interface. Exec keeps the
// historical deployment model (an external executable reading the secret
// from stdin) while Key signs in process from a key file.
package signer

import (
	"context"
	"fmt"
	"time"
)

type (
	// Signer implementations must be safe for concurrent use.
	Signer interface {
		Sign(ctx context.Context, token string) ([]byte, error)
	}

	Func func(ctx context.Context, token string) ([]byte, error)

	// SigningError means the signing capability was unavailable or refused
	// the token.
	SigningError struct {
		Token string
		cause error
	}

	timeoutSigner struct {
		next    Signer
		timeout time.Duration
	}
)

func (f Func) Sign(ctx context.Context, token string) ([]byte, error) {
	return f(ctx, token)
}

func (s SigningError) Error() string {
	return fmt.Sprintf("signer: unable to sign token %q, cause %v", s.Token, s.cause)
}

func (s SigningError) Unwrap() error {
	return s.cause
}

// Fail returns a SigningError for token with the given cause.
func Fail(token string, cause error) error {
	return SigningError{Token: token, cause: cause}
}

// WithTimeout bounds every call to next. A non-positive timeout returns next
// unchanged.
func WithTimeout(next Signer, timeout time.Duration) Signer {
	if timeout <= 0 {
		return next
	}
	return timeoutSigner{next: next, timeout: timeout}
}

func (t timeoutSigner) Sign(ctx context.Context, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := t.next.Sign(ctx, token)
		done <- result{sig, err}
	}()
	select {
	case r := <-done:
		return r.sig, r.err
	case <-ctx.Done():
		return nil, Fail(token, ctx.Err())
	}
}
