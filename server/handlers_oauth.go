package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/crosspost-collective/adsync/backend/db"
)

// googleOAuthConfig builds the authorization-code flow config for Google Ads.
func (h *Handlers) googleOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.GoogleClientID,
		ClientSecret: h.cfg.GoogleClientSecret,
		RedirectURL:  h.cfg.GoogleRedirectURI,
		Scopes:       strings.Fields(h.cfg.GoogleScopes),
		Endpoint:     endpoints.Google,
	}
}

// linkedinOAuthConfig builds the authorization-code flow config for LinkedIn.
func (h *Handlers) linkedinOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.LinkedInClientID,
		ClientSecret: h.cfg.LinkedInClientSecret,
		RedirectURL:  h.cfg.LinkedInRedirectURI,
		Scopes:       strings.Fields(h.cfg.LinkedInScopes),
		Endpoint:     endpoints.LinkedIn,
	}
}

func (h *Handlers) newState(userID string, provider db.ProviderID) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, oauthState{
		userID:   userID,
		provider: provider,
		expiry:   time.Now().Add(10 * time.Minute),
	})
	return st, nil
}

// HandleGoogleOAuthStart initiates the Google OAuth flow.
func (h *Handlers) HandleGoogleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.GoogleClientID == "" || h.cfg.GoogleRedirectURI == "" {
		http.Error(w, "oauth not configured (need GOOGLE_CLIENT_ID + GOOGLE_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	st, err := h.newState(userID, db.ProviderGoogle)
	if err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	// Offline access with forced consent so Google issues a refresh token.
	authURL := h.googleOAuthConfig().AuthCodeURL(st,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleGoogleOAuthCallback handles the OAuth callback from Google and stores tokens.
func (h *Handlers) HandleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	h.handleOAuthCallback(w, r, db.ProviderGoogle, h.googleOAuthConfig())
}

// HandleLinkedInOAuthStart initiates the LinkedIn OAuth flow.
func (h *Handlers) HandleLinkedInOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.LinkedInClientID == "" || h.cfg.LinkedInRedirectURI == "" {
		http.Error(w, "oauth not configured (need LINKEDIN_CLIENT_ID + LINKEDIN_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	st, err := h.newState(userID, db.ProviderLinkedIn)
	if err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.linkedinOAuthConfig().AuthCodeURL(st), http.StatusFound)
}

// HandleLinkedInOAuthCallback handles the OAuth callback from LinkedIn and stores tokens.
func (h *Handlers) HandleLinkedInOAuthCallback(w http.ResponseWriter, r *http.Request) {
	h.handleOAuthCallback(w, r, db.ProviderLinkedIn, h.linkedinOAuthConfig())
}

// handleOAuthCallback finishes an authorization-code flow: validates state,
// exchanges the code, and persists the resulting credentials for the tenant
// that started the flow.
func (h *Handlers) handleOAuthCallback(w http.ResponseWriter, r *http.Request, provider db.ProviderID, conf *oauth2.Config) {
	code := r.URL.Query().Get("code")
	stateParam := r.URL.Query().Get("state")
	if code == "" || stateParam == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	st, ok := h.takeOAuthState(stateParam)
	if !ok || st.provider != provider {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	tok, err := conf.Exchange(r.Context(), code)
	if err != nil {
		slog.Warn("oauth code exchange failed", slog.Any("err", err), slog.String("provider", string(provider)))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	rec := &db.IntegrationRecord{
		UserID:               st.userID,
		Provider:             provider,
		AccessToken:          tok.AccessToken,
		RefreshToken:         tok.RefreshToken,
		AccessTokenExpiresAt: tok.Expiry,
		Scopes:               conf.Scopes,
	}
	if idt, ok := tok.Extra("id_token").(string); ok {
		rec.IDToken = idt
	}
	// LinkedIn reports the refresh token's own lifetime alongside the grant.
	if v, ok := tok.Extra("refresh_token_expires_in").(float64); ok && v > 0 {
		rec.RefreshTokenExpiresAt = time.Now().Add(time.Duration(v) * time.Second)
	}

	if err := db.UpsertIntegration(r.Context(), h.db, rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("oauth flow completed", slog.String("provider", string(provider)), slog.String("user_id", st.userID))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":                "ok",
		"provider":              string(provider),
		"scopes":                conf.Scopes,
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
