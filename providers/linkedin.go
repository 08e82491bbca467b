package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
)

// LinkedInTokenURL is LinkedIn's OAuth2 token endpoint.
const LinkedInTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"

// LinkedInStrategy refreshes LinkedIn Marketing API tokens. LinkedIn refresh
// tokens have a 60-day lifetime of their own; the response reports both
// expires_in and refresh_token_expires_in.
type LinkedInStrategy struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (s *LinkedInStrategy) Provider() db.ProviderID { return db.ProviderLinkedIn }

func (s *LinkedInStrategy) Validate(rec *db.IntegrationRecord) error {
	if s.ClientID == "" || s.ClientSecret == "" {
		return oauth.NewTokenError(db.ProviderLinkedIn, oauth.ErrConfig, "LINKEDIN_CLIENT_ID/LINKEDIN_CLIENT_SECRET not configured")
	}
	if rec.RefreshToken == "" {
		return oauth.NewTokenError(db.ProviderLinkedIn, oauth.ErrMissingCredential, "refresh token missing or expired, reconnect required")
	}
	return nil
}

func (s *LinkedInStrategy) BuildRequest(ctx context.Context, rec *db.IntegrationRecord) (*http.Request, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.ClientID},
		"client_secret": {s.ClientSecret},
		"refresh_token": {rec.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (s *LinkedInStrategy) ParseSuccess(body []byte) (*oauth.TokenGrant, error) {
	var resp struct {
		AccessToken           string `json:"access_token"`
		RefreshToken          string `json:"refresh_token"`
		ExpiresIn             int    `json:"expires_in"`
		RefreshTokenExpiresIn int    `json:"refresh_token_expires_in"`
		Scope                 string `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &oauth.TokenError{Provider: db.ProviderLinkedIn, Kind: oauth.ErrProtocol, Message: "malformed token response", Err: err}
	}
	return &oauth.TokenGrant{
		AccessToken:      resp.AccessToken,
		RefreshToken:     resp.RefreshToken,
		ExpiresIn:        resp.ExpiresIn,
		RefreshExpiresIn: resp.RefreshTokenExpiresIn,
		Scope:            resp.Scope,
	}, nil
}

func (s *LinkedInStrategy) ClassifyError(status int, body []byte, header http.Header) error {
	return classifyOAuth2Error(db.ProviderLinkedIn, status, body, header)
}
