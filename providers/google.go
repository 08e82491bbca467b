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

// GoogleTokenURL is Google's OAuth2 token endpoint.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// GoogleStrategy refreshes Google Ads access tokens with the standard
// refresh_token grant. Google may rotate the refresh token and returns an ID
// token alongside the access token.
type GoogleStrategy struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (s *GoogleStrategy) Provider() db.ProviderID { return db.ProviderGoogle }

func (s *GoogleStrategy) Validate(rec *db.IntegrationRecord) error {
	if s.ClientID == "" || s.ClientSecret == "" {
		return oauth.NewTokenError(db.ProviderGoogle, oauth.ErrConfig, "GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not configured")
	}
	if rec.RefreshToken == "" {
		return oauth.NewTokenError(db.ProviderGoogle, oauth.ErrMissingCredential, "no refresh token stored, reconnect required")
	}
	return nil
}

func (s *GoogleStrategy) BuildRequest(ctx context.Context, rec *db.IntegrationRecord) (*http.Request, error) {
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

func (s *GoogleStrategy) ParseSuccess(body []byte) (*oauth.TokenGrant, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &oauth.TokenError{Provider: db.ProviderGoogle, Kind: oauth.ErrProtocol, Message: "malformed token response", Err: err}
	}
	return &oauth.TokenGrant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
	}, nil
}

func (s *GoogleStrategy) ClassifyError(status int, body []byte, header http.Header) error {
	return classifyOAuth2Error(db.ProviderGoogle, status, body, header)
}

// classifyOAuth2Error handles the standard OAuth2 error body shared by the
// form-encoded providers (Google, LinkedIn).
func classifyOAuth2Error(provider db.ProviderID, status int, body []byte, header http.Header) error {
	var resp struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &resp)

	te := &oauth.TokenError{Provider: provider, HTTPStatus: status, Message: resp.Error}
	if resp.ErrorDescription != "" {
		te.Message = resp.Error + ": " + resp.ErrorDescription
	}
	if te.Message == "" {
		te.Message = http.StatusText(status)
	}

	switch {
	case transientStatus(status):
		te.Kind = oauth.ErrTransient
		te.RetryAfter = parseRetryAfter(header)
	case resp.Error == "invalid_grant":
		te.Kind = oauth.ErrRevokedGrant
	default:
		te.Kind = oauth.ErrProtocol
	}
	return te
}
