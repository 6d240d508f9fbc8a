package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// Kind classifies a failure for retry-policy purposes. Provider
// specific errors are translated to this taxonomy at the adapter
// boundary; nothing above the adapter sees raw provider error types.
type Kind string

const (
	// KindTransient covers timeouts and 5xx responses. Retried with
	// bounded backoff.
	KindTransient Kind = "transient"
	// KindAuthExpired covers a 401 that survives one forced refresh.
	// The integration is marked error and the user must reconnect.
	KindAuthExpired Kind = "auth_expired"
	// KindRateLimited covers 429 responses and local limiter denials.
	// The sync cycle is aborted and rescheduled, never an integration
	// fault.
	KindRateLimited Kind = "rate_limited"
	// KindWebhookVerification covers deliveries rejected before any
	// task is enqueued.
	KindWebhookVerification Kind = "webhook_verification_failed"
	// KindStorageUnavailable covers unreachable backing stores. The
	// rate-limit store fails open; the token store fails closed.
	KindStorageUnavailable Kind = "storage_unavailable"
)

// SyncError is the engine-wide error type carrying a Kind.
type SyncError struct {
	Kind     Kind
	Provider string
	Err      error
	// RetryAfter is set for rate-limit errors when the provider told
	// us when the window resets.
	RetryAfter time.Duration
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func NewTransient(provider string, err error) *SyncError {
	return &SyncError{Kind: KindTransient, Provider: provider, Err: err}
}

func NewAuthExpired(provider string, err error) *SyncError {
	return &SyncError{Kind: KindAuthExpired, Provider: provider, Err: err}
}

func NewRateLimited(provider string, retryAfter time.Duration, err error) *SyncError {
	return &SyncError{Kind: KindRateLimited, Provider: provider, Err: err, RetryAfter: retryAfter}
}

func NewWebhookVerification(provider string, err error) *SyncError {
	return &SyncError{Kind: KindWebhookVerification, Provider: provider, Err: err}
}

func NewStorageUnavailable(provider string, err error) *SyncError {
	return &SyncError{Kind: KindStorageUnavailable, Provider: provider, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindTransient for
// plain errors so unknown failures are retried rather than fatal.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
func IsTransient(err error) bool   { return KindOf(err) == KindTransient }

// RetryAfterOf returns the provider-suggested reset delay, if any.
func RetryAfterOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// ClassifyHTTP translates a provider HTTP status into the taxonomy.
// A nil return means the status is not an error.
func ClassifyHTTP(provider string, status int, body error) *SyncError {
	switch {
	case status == http.StatusUnauthorized:
		return NewAuthExpired(provider, body)
	case status == http.StatusTooManyRequests:
		return NewRateLimited(provider, 0, body)
	case status >= 500:
		return NewTransient(provider, body)
	case status >= 400:
		// Other 4xx are not retryable and not auth related; surface
		// as transient so the task retry budget bounds them.
		return NewTransient(provider, body)
	default:
		return nil
	}
}

// ClassifyTransport translates transport-level failures (timeouts,
// connection resets, token endpoint errors) into the taxonomy.
func ClassifyTransport(provider string, err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized {
			// Token endpoints answer 400 invalid_grant for dead
			// refresh tokens.
			return NewAuthExpired(provider, err)
		}
		if code == http.StatusTooManyRequests {
			return NewRateLimited(provider, 0, err)
		}
		return NewTransient(provider, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTransient(provider, err)
	}
	return NewTransient(provider, err)
}
