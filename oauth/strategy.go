// Package oauth implements the token-refresh coordinator: per-key
// deduplication of concurrent refreshes, freshness decisions with
// provider-specific pre-emptive buffers, and a shared bounded retry loop that
// drives provider-specific refresh strategies.
package oauth

import (
	"context"
	"net/http"

	"github.com/crosspost-collective/adsync/backend/db"
)

// TokenGrant is the normalized result of a successful provider refresh.
type TokenGrant struct {
	AccessToken      string
	RefreshToken     string // empty when the provider does not rotate it
	IDToken          string // Google only
	ExpiresIn        int    // seconds until the access token expires
	RefreshExpiresIn int    // seconds until the refresh token expires (LinkedIn, TikTok)
	Scope            string
}

// Strategy captures everything provider-specific about a token refresh: the
// wire format of the request, the shape of a success body, and the provider's
// error-code vocabulary. The shared retry/backoff loop in this package drives
// any Strategy; the four ad platforms differ only in these three concerns.
type Strategy interface {
	Provider() db.ProviderID

	// Validate checks stored credentials and app configuration before any
	// network call. Must return a TokenError of kind config or
	// missing_credential on failure; both are terminal.
	Validate(rec *db.IntegrationRecord) error

	// BuildRequest constructs the provider's refresh HTTP request from the
	// stored record.
	BuildRequest(ctx context.Context, rec *db.IntegrationRecord) (*http.Request, error)

	// ParseSuccess decodes a 2xx response body. Providers that tunnel
	// errors through HTTP 200 (TikTok's {code,...} envelope) return a
	// TokenError here.
	ParseSuccess(body []byte) (*TokenGrant, error)

	// ClassifyError turns a non-2xx response into a TokenError, deciding
	// retryability from the status code and the provider's error body.
	ClassifyError(status int, body []byte, header http.Header) error
}
