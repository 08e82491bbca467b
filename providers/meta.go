package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
)

// MetaTokenURL is the Graph API token-exchange endpoint.
const MetaTokenURL = "https://graph.facebook.com/v19.0/oauth/access_token"

// Meta error code for an invalid or expired access token.
const metaCodeInvalidToken = 190

// MetaStrategy extends Meta long-lived access tokens. Meta has no refresh
// token flow: the current access token is exchanged for a new long-lived one
// via fb_exchange_token, as a GET with query-string parameters.
type MetaStrategy struct {
	AppID     string
	AppSecret string
	TokenURL  string
}

func (s *MetaStrategy) Provider() db.ProviderID { return db.ProviderMeta }

func (s *MetaStrategy) Validate(rec *db.IntegrationRecord) error {
	if s.AppID == "" || s.AppSecret == "" {
		return oauth.NewTokenError(db.ProviderMeta, oauth.ErrConfig, "META_APP_ID/META_APP_SECRET not configured")
	}
	if rec.AccessToken == "" {
		return oauth.NewTokenError(db.ProviderMeta, oauth.ErrMissingCredential, "no access token to exchange, reconnect required")
	}
	return nil
}

func (s *MetaStrategy) BuildRequest(ctx context.Context, rec *db.IntegrationRecord) (*http.Request, error) {
	q := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {s.AppID},
		"client_secret":     {s.AppSecret},
		"fb_exchange_token": {rec.AccessToken},
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, s.TokenURL+"?"+q.Encode(), nil)
}

func (s *MetaStrategy) ParseSuccess(body []byte) (*oauth.TokenGrant, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &oauth.TokenError{Provider: db.ProviderMeta, Kind: oauth.ErrProtocol, Message: "malformed token response", Err: err}
	}
	// Meta never rotates a refresh token; only the access token changes.
	return &oauth.TokenGrant{
		AccessToken: resp.AccessToken,
		ExpiresIn:   resp.ExpiresIn,
	}, nil
}

func (s *MetaStrategy) ClassifyError(status int, body []byte, header http.Header) error {
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &resp)

	te := &oauth.TokenError{Provider: db.ProviderMeta, HTTPStatus: status, Message: resp.Error.Message}
	if te.Message == "" {
		te.Message = http.StatusText(status)
	}

	switch {
	case transientStatus(status):
		te.Kind = oauth.ErrTransient
		te.RetryAfter = parseRetryAfter(header)
	case resp.Error.Code == metaCodeInvalidToken:
		te.Kind = oauth.ErrRevokedGrant
	default:
		te.Kind = oauth.ErrProtocol
	}
	return te
}
