package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
)

// TikTokTokenURL is the TikTok Business API refresh endpoint.
const TikTokTokenURL = "https://business-api.tiktok.com/open_api/v1.3/oauth2/refresh_token/"

// TikTok Business API error codes.
const (
	tiktokCodeOK           = 0
	tiktokCodeInvalidGrant = 40001
	tiktokCodeRateLimited  = 40100
)

// TikTokStrategy refreshes TikTok Business API tokens. Requests are JSON
// POSTs, and responses wrap the payload in a {code, message, data} envelope:
// HTTP 200 with a non-zero code is still a failure.
type TikTokStrategy struct {
	AppID    string
	Secret   string
	TokenURL string
}

func (s *TikTokStrategy) Provider() db.ProviderID { return db.ProviderTikTok }

func (s *TikTokStrategy) Validate(rec *db.IntegrationRecord) error {
	if s.AppID == "" || s.Secret == "" {
		return oauth.NewTokenError(db.ProviderTikTok, oauth.ErrConfig, "TIKTOK_CLIENT_KEY/TIKTOK_CLIENT_SECRET not configured")
	}
	if rec.RefreshToken == "" {
		return oauth.NewTokenError(db.ProviderTikTok, oauth.ErrMissingCredential, "no refresh token stored, reconnect required")
	}
	return nil
}

func (s *TikTokStrategy) BuildRequest(ctx context.Context, rec *db.IntegrationRecord) (*http.Request, error) {
	payload, err := json.Marshal(map[string]string{
		"app_id":        s.AppID,
		"secret":        s.Secret,
		"refresh_token": rec.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type tiktokEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		AccessToken           string `json:"access_token"`
		RefreshToken          string `json:"refresh_token"`
		ExpiresIn             int    `json:"expires_in"`
		RefreshTokenExpiresIn int    `json:"refresh_token_expires_in"`
		Scope                 string `json:"scope"`
	} `json:"data"`
}

func (s *TikTokStrategy) ParseSuccess(body []byte) (*oauth.TokenGrant, error) {
	var env tiktokEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &oauth.TokenError{Provider: db.ProviderTikTok, Kind: oauth.ErrProtocol, Message: "malformed token response", Err: err}
	}
	if env.Code != tiktokCodeOK {
		return nil, classifyTikTokCode(env.Code, env.Message, http.StatusOK)
	}
	return &oauth.TokenGrant{
		AccessToken:      env.Data.AccessToken,
		RefreshToken:     env.Data.RefreshToken,
		ExpiresIn:        env.Data.ExpiresIn,
		RefreshExpiresIn: env.Data.RefreshTokenExpiresIn,
		Scope:            env.Data.Scope,
	}, nil
}

func (s *TikTokStrategy) ClassifyError(status int, body []byte, header http.Header) error {
	var env tiktokEnvelope
	_ = json.Unmarshal(body, &env)

	if transientStatus(status) {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &oauth.TokenError{
			Provider:   db.ProviderTikTok,
			Kind:       oauth.ErrTransient,
			HTTPStatus: status,
			RetryAfter: parseRetryAfter(header),
			Message:    msg,
		}
	}
	if env.Code != tiktokCodeOK {
		te := classifyTikTokCode(env.Code, env.Message, status)
		te.RetryAfter = parseRetryAfter(header)
		return te
	}
	return &oauth.TokenError{Provider: db.ProviderTikTok, Kind: oauth.ErrProtocol, HTTPStatus: status, Message: http.StatusText(status)}
}

func classifyTikTokCode(code int, message string, status int) *oauth.TokenError {
	te := &oauth.TokenError{Provider: db.ProviderTikTok, HTTPStatus: status}
	if message != "" {
		te.Message = message
	} else {
		te.Message = "provider error"
	}
	te.Message = fmt.Sprintf("%s (code %d)", te.Message, code)

	switch code {
	case tiktokCodeInvalidGrant:
		te.Kind = oauth.ErrRevokedGrant
	case tiktokCodeRateLimited:
		te.Kind = oauth.ErrTransient
	default:
		te.Kind = oauth.ErrProtocol
	}
	return te
}
