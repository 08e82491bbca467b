package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
)

// ErrorKind classifies a token refresh failure.
type ErrorKind string

const (
	// ErrConfig means provider app credentials are missing or malformed.
	// Operator-actionable; never retried and never shown to end users.
	ErrConfig ErrorKind = "config"
	// ErrMissingCredential means the stored record lacks the credential
	// material needed to refresh (no refresh token, or for Meta no access
	// token to exchange). User must reconnect the account.
	ErrMissingCredential ErrorKind = "missing_credential"
	// ErrRevokedGrant means the provider rejected the refresh credential
	// itself (invalid_grant and friends). User must reconnect the account.
	ErrRevokedGrant ErrorKind = "revoked_grant"
	// ErrTransient covers 5xx, 429 and provider rate-limit codes. Retried
	// with backoff inside the provider refresh loop.
	ErrTransient ErrorKind = "transient"
	// ErrNetwork covers request-level failures with no HTTP response.
	// Treated like ErrTransient for retry purposes.
	ErrNetwork ErrorKind = "network"
	// ErrProtocol means a success response was missing required fields,
	// indicating a provider contract change. Not retried.
	ErrProtocol ErrorKind = "protocol"
)

// TokenError is the single error type surfaced by the refresh subsystem.
type TokenError struct {
	Provider   db.ProviderID
	UserID     string
	Kind       ErrorKind
	HTTPStatus int           // 0 when no HTTP response was received
	RetryAfter time.Duration // provider-requested minimum delay, if any
	Message    string
	Err        error // wrapped cause, may be nil
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("%s token refresh: %s: %s", e.Provider, e.Kind, e.Message)
	if e.HTTPStatus != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.HTTPStatus)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TokenError) Unwrap() error { return e.Err }

// Retryable reports whether the provider refresh loop may retry this failure.
func (e *TokenError) Retryable() bool {
	return e.Kind == ErrTransient || e.Kind == ErrNetwork
}

// NewTokenError builds a TokenError for a provider.
func NewTokenError(provider db.ProviderID, kind ErrorKind, format string, args ...any) *TokenError {
	return &TokenError{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a retryable TokenError.
func IsRetryable(err error) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Retryable()
}

// IsReconnectRequired reports whether err means the user must re-link the
// integration (dead grant or missing credential material).
func IsReconnectRequired(err error) bool {
	var te *TokenError
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == ErrRevokedGrant || te.Kind == ErrMissingCredential
}

// retryAfterOf extracts the provider-requested delay from err, if any.
func retryAfterOf(err error) time.Duration {
	var te *TokenError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
