package oauth

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
)

func TestTokenErrorRetryable(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrConfig, false},
		{ErrMissingCredential, false},
		{ErrRevokedGrant, false},
		{ErrTransient, true},
		{ErrNetwork, true},
		{ErrProtocol, false},
	}
	for _, tc := range cases {
		te := &TokenError{Provider: db.ProviderGoogle, Kind: tc.kind}
		if got := te.Retryable(); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
		if got := IsRetryable(te); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestIsReconnectRequired(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrRevokedGrant, true},
		{ErrMissingCredential, true},
		{ErrTransient, false},
		{ErrNetwork, false},
		{ErrConfig, false},
		{ErrProtocol, false},
	}
	for _, tc := range cases {
		te := &TokenError{Provider: db.ProviderMeta, Kind: tc.kind}
		if got := IsReconnectRequired(te); got != tc.want {
			t.Errorf("IsReconnectRequired(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
	if IsReconnectRequired(errors.New("plain")) {
		t.Error("plain errors must not be reconnect-required")
	}
	if IsReconnectRequired(nil) {
		t.Error("nil must not be reconnect-required")
	}
}

func TestTokenErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	te := NewTokenError(db.ProviderTikTok, ErrNetwork, "refresh request failed")
	te.Err = cause

	if !errors.Is(te, cause) {
		t.Error("errors.Is should see the wrapped cause")
	}
	var got *TokenError
	wrapped := fmt.Errorf("ensure token: %w", te)
	if !errors.As(wrapped, &got) {
		t.Fatal("errors.As should unwrap through fmt.Errorf")
	}
	if got.Provider != db.ProviderTikTok || got.Kind != ErrNetwork {
		t.Errorf("unwrapped = %+v", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("retryability should survive wrapping")
	}
}

func TestTokenErrorMessage(t *testing.T) {
	te := NewTokenError(db.ProviderLinkedIn, ErrRevokedGrant, "refresh token expired after %d days", 365)
	msg := te.Error()
	for _, want := range []string{"linkedin", "revoked_grant", "365 days"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	te := &TokenError{Kind: ErrTransient, RetryAfter: 7 * time.Second}
	if got := retryAfterOf(te); got != 7*time.Second {
		t.Errorf("retryAfterOf = %v, want 7s", got)
	}
	if got := retryAfterOf(fmt.Errorf("wrap: %w", te)); got != 7*time.Second {
		t.Errorf("retryAfterOf(wrapped) = %v, want 7s", got)
	}
	if got := retryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("retryAfterOf(plain) = %v, want 0", got)
	}
	if got := retryAfterOf(nil); got != 0 {
		t.Errorf("retryAfterOf(nil) = %v, want 0", got)
	}
}
