// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/crosspost-collective/adsync/backend/config"
	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// oauthState ties an in-flight authorization-code flow to the tenant that
// started it.
type oauthState struct {
	userID   string
	provider db.ProviderID
	expiry   time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	cfg        *config.Config
	coord      *oauth.Coordinator
	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, dbc *sql.DB, cfg *config.Config, coord *oauth.Coordinator) *Handlers {
	return &Handlers{
		db:         dbc,
		ctx:        ctx,
		cfg:        cfg,
		coord:      coord,
		stateStore: make(map[string]oauthState),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, st := range h.stateStore {
		if now.After(st.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, st oauthState) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Dropping the state makes that one flow fail, which beats
		// unbounded memory growth under a state-flooding attack.
		return
	}

	h.stateStore[state] = st
}

// takeOAuthState validates and consumes a state token. Returns false when the
// state is unknown or expired.
func (h *Handlers) takeOAuthState(state string) (oauthState, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	if !ok {
		return oauthState{}, false
	}
	delete(h.stateStore, state)
	if time.Now().After(st.expiry) {
		return oauthState{}, false
	}
	return st, true
}
