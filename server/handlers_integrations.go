package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
	"github.com/crosspost-collective/adsync/backend/syncjob"
)

// integrationView is the redacted JSON shape returned to the dashboard.
// Token material never leaves the server through list endpoints.
type integrationView struct {
	UserID                 string   `json:"userId"`
	Provider               string   `json:"providerId"`
	ClientID               string   `json:"clientId,omitempty"`
	AccountID              string   `json:"accountId,omitempty"`
	Connected              bool     `json:"connected"`
	AccessTokenExpiresAt   string   `json:"accessTokenExpiresAt,omitempty"`
	Scopes                 []string `json:"scopes,omitempty"`
	LastSyncStatus         string   `json:"lastSyncStatus"`
	LastSyncMessage        string   `json:"lastSyncMessage,omitempty"`
	AutoSyncEnabled        bool     `json:"autoSyncEnabled"`
	SyncFrequencyMinutes   int      `json:"syncFrequencyMinutes,omitempty"`
	ScheduledTimeframeDays int      `json:"scheduledTimeframeDays,omitempty"`
}

func viewOf(rec *db.IntegrationRecord) integrationView {
	v := integrationView{
		UserID:                 rec.UserID,
		Provider:               string(rec.Provider),
		ClientID:               rec.ClientID,
		AccountID:              rec.AccountID,
		Connected:              rec.AccessToken != "",
		Scopes:                 rec.Scopes,
		LastSyncStatus:         string(rec.LastSyncStatus),
		LastSyncMessage:        rec.LastSyncMessage,
		AutoSyncEnabled:        rec.AutoSyncEnabled,
		SyncFrequencyMinutes:   rec.SyncFrequencyMinutes,
		ScheduledTimeframeDays: rec.ScheduledTimeframeDays,
	}
	if !rec.AccessTokenExpiresAt.IsZero() {
		v.AccessTokenExpiresAt = rec.AccessTokenExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// HandleIntegrationsList returns a tenant's integrations, redacted.
func (h *Handlers) HandleIntegrationsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	recs, err := db.ListIntegrations(r.Context(), h.db, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]integrationView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// HandleIntegrationsDispatcher routes /api/integrations/{provider}[/connect|/token].
func (h *Handlers) HandleIntegrationsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/integrations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	provider := db.ProviderID(parts[0])
	if !db.KnownProvider(provider) {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDisconnect(w, r, provider)
	case len(parts) == 2 && parts[1] == "connect" && r.Method == http.MethodPost:
		h.handleConnect(w, r, provider)
	case len(parts) == 2 && parts[1] == "token" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		h.handleToken(w, r, provider)
	default:
		http.NotFound(w, r)
	}
}

// connectRequest carries credentials obtained out-of-band (Meta/TikTok embed
// flows hand tokens to the frontend directly). The expiry is accepted in any
// reasonable shape: RFC3339 string, epoch seconds, or epoch millis.
type connectRequest struct {
	UserID                 string   `json:"userId"`
	ClientID               string   `json:"clientId"`
	AccessToken            string   `json:"accessToken"`
	RefreshToken           string   `json:"refreshToken"`
	IDToken                string   `json:"idToken"`
	ExpiresAt              any      `json:"expiresAt"`
	RefreshTokenExpiresAt  any      `json:"refreshTokenExpiresAt"`
	Scopes                 []string `json:"scopes"`
	AccountID              string   `json:"accountId"`
	DeveloperToken         string   `json:"developerToken"`
	LoginCustomerID        string   `json:"loginCustomerId"`
	ManagerCustomerID      string   `json:"managerCustomerId"`
	AutoSyncEnabled        bool     `json:"autoSyncEnabled"`
	SyncFrequencyMinutes   int      `json:"syncFrequencyMinutes"`
	ScheduledTimeframeDays int      `json:"scheduledTimeframeDays"`
	SkipInitialBackfill    bool     `json:"skipInitialBackfill"`
}

func (h *Handlers) handleConnect(w http.ResponseWriter, r *http.Request, provider db.ProviderID) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.AccessToken == "" {
		http.Error(w, "userId and accessToken required", http.StatusBadRequest)
		return
	}

	rec := &db.IntegrationRecord{
		UserID:                 req.UserID,
		Provider:               provider,
		ClientID:               req.ClientID,
		AccessToken:            req.AccessToken,
		RefreshToken:           req.RefreshToken,
		IDToken:                req.IDToken,
		Scopes:                 req.Scopes,
		AccountID:              req.AccountID,
		DeveloperToken:         req.DeveloperToken,
		LoginCustomerID:        req.LoginCustomerID,
		ManagerCustomerID:      req.ManagerCustomerID,
		AutoSyncEnabled:        req.AutoSyncEnabled,
		SyncFrequencyMinutes:   req.SyncFrequencyMinutes,
		ScheduledTimeframeDays: req.ScheduledTimeframeDays,
	}
	// Loosely-typed expiries are normalized here at the boundary; storage
	// only ever sees time.Time. Unparseable values stay zero, which the
	// freshness check treats as already expiring.
	if t, ok := oauth.ParseInstant(req.ExpiresAt); ok {
		rec.AccessTokenExpiresAt = t
	}
	if t, ok := oauth.ParseInstant(req.RefreshTokenExpiresAt); ok {
		rec.RefreshTokenExpiresAt = t
	}

	if err := db.UpsertIntegration(r.Context(), h.db, rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("integration connected", slog.String("provider", string(provider)), slog.String("user_id", req.UserID))

	if !req.SkipInitialBackfill {
		pending, err := syncjob.HasPending(r.Context(), h.db, req.UserID, provider, req.ClientID)
		if err == nil && !pending {
			if _, err := syncjob.Enqueue(r.Context(), h.db, syncjob.EnqueueParams{
				UserID:        req.UserID,
				Provider:      provider,
				ClientID:      req.ClientID,
				JobType:       syncjob.TypeInitialBackfill,
				TimeframeDays: req.ScheduledTimeframeDays,
			}); err != nil {
				slog.Warn("enqueue initial backfill", slog.Any("err", err))
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(viewOf(rec))
}

func (h *Handlers) handleToken(w http.ResponseWriter, r *http.Request, provider db.ProviderID) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"

	token, err := h.coord.EnsureAccessToken(r.Context(), provider, userID, clientID, force)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	var expiresAt string
	if rec, gerr := db.GetIntegration(r.Context(), h.db, userID, provider, clientID); gerr == nil && rec != nil && !rec.AccessTokenExpiresAt.IsZero() {
		expiresAt = rec.AccessTokenExpiresAt.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"accessToken": token,
		"expiresAt":   expiresAt,
	})
}

func (h *Handlers) handleDisconnect(w http.ResponseWriter, r *http.Request, provider db.ProviderID) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client_id")

	cancelled, err := syncjob.CancelPending(r.Context(), h.db, userID, provider, clientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := db.DeleteIntegration(r.Context(), h.db, userID, provider, clientID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("integration disconnected", slog.String("provider", string(provider)), slog.String("user_id", userID), slog.Int64("jobs_cancelled", cancelled))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "disconnected", "jobsCancelled": cancelled})
}

// writeTokenError maps refresh failures onto the API: dead grants tell the
// client to re-link the account, transient trouble maps to 503, and
// configuration problems surface only as a generic 500 (the detail belongs in
// operator logs, not user-facing responses).
func writeTokenError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var te *oauth.TokenError
	switch {
	case oauth.IsReconnectRequired(err):
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "reconnect_required",
			"message": "The linked account needs to be reconnected.",
		})
	case oauth.IsRetryable(err):
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "temporarily_unavailable",
			"message": "The provider is temporarily unavailable, please retry.",
		})
	case errors.As(err, &te) && te.Kind == oauth.ErrConfig:
		slog.Error("provider configuration error", slog.Any("err", err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal"})
	default:
		slog.Error("token refresh failed", slog.Any("err", err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal"})
	}
}
