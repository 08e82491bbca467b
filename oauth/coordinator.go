package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/telemetry"
)

// TokenStore is the narrow persistence surface the coordinator needs.
// db.IntegrationStore implements it against Postgres.
type TokenStore interface {
	Get(ctx context.Context, userID string, provider db.ProviderID, clientID string) (*db.IntegrationRecord, error)
	UpdateCredentials(ctx context.Context, userID string, provider db.ProviderID, clientID string, upd db.CredentialUpdate) error
}

// CoordinatorConfig tunes a Coordinator. Zero values fall back to defaults.
type CoordinatorConfig struct {
	HTTPClient *http.Client
	Backoff    BackoffConfig

	// SafetyBuffer is subtracted from the provider-reported expiry so the
	// cached token goes stale slightly before the provider invalidates it.
	SafetyBuffer time.Duration

	// DefaultBuffer is the pre-emptive refresh buffer for providers
	// without an explicit entry in Buffers.
	DefaultBuffer time.Duration
	Buffers       map[db.ProviderID]time.Duration

	// InflightTTL bounds how long an in-flight entry may sit in the dedup
	// map before it is treated as orphaned and evicted.
	InflightTTL time.Duration
}

// Coordinator hands out valid access tokens for linked integrations. It
// collapses concurrent refresh requests per (provider, user, client) key so
// at most one refresh per key is in flight in this process, decides freshness
// with provider-specific pre-emptive buffers, and drives the provider
// Strategy through a bounded retry loop with exponential backoff.
//
// Across processes no coordination is attempted: OAuth refresh grants are
// safe to issue concurrently and the last writer's credentials win.
type Coordinator struct {
	store      TokenStore
	strategies map[db.ProviderID]Strategy
	httpClient *http.Client
	backoff    BackoffConfig

	safetyBuffer  time.Duration
	defaultBuffer time.Duration
	buffers       map[db.ProviderID]time.Duration
	inflightTTL   time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightRefresh
}

// inflightRefresh is one entry in the dedup map. The first caller for a key
// owns the refresh; later callers wait on done and share the outcome.
type inflightRefresh struct {
	done    chan struct{}
	token   string
	err     error
	created time.Time
	settled bool
}

// NewCoordinator builds a Coordinator over the given store and strategies.
func NewCoordinator(store TokenStore, strategies []Strategy, cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		store:         store,
		strategies:    make(map[db.ProviderID]Strategy, len(strategies)),
		httpClient:    cfg.HTTPClient,
		backoff:       cfg.Backoff,
		safetyBuffer:  cfg.SafetyBuffer,
		defaultBuffer: cfg.DefaultBuffer,
		buffers:       cfg.Buffers,
		inflightTTL:   cfg.InflightTTL,
		inflight:      make(map[string]*inflightRefresh),
	}
	for _, s := range strategies {
		c.strategies[s.Provider()] = s
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.backoff.MaxRetries <= 0 {
		c.backoff = DefaultBackoff
	}
	if c.safetyBuffer <= 0 {
		c.safetyBuffer = 30 * time.Second
	}
	if c.defaultBuffer <= 0 {
		c.defaultBuffer = 5 * time.Minute
	}
	if c.inflightTTL <= 0 {
		c.inflightTTL = 5 * time.Minute
	}
	return c
}

// dedupKey builds the composite in-flight key. An empty client id means the
// workspace-wide integration scope.
func dedupKey(provider db.ProviderID, userID, clientID string) string {
	scope := clientID
	if scope == "" {
		scope = "workspace"
	}
	return string(provider) + ":" + userID + ":" + scope
}

func (c *Coordinator) bufferFor(provider db.ProviderID) time.Duration {
	if d, ok := c.buffers[provider]; ok && d > 0 {
		return d
	}
	return c.defaultBuffer
}

// EnsureAccessToken returns a valid access token for the integration,
// refreshing it when expired or within the provider's pre-emptive buffer.
// Concurrent callers with the same (provider, userID, clientID) share a
// single refresh and observe the same outcome, success or error.
func (c *Coordinator) EnsureAccessToken(ctx context.Context, provider db.ProviderID, userID, clientID string, forceRefresh bool) (string, error) {
	c.evictStale()

	s, ok := c.strategies[provider]
	if !ok {
		return "", &TokenError{Provider: provider, UserID: userID, Kind: ErrConfig, Message: "no refresh strategy registered"}
	}

	key := dedupKey(provider, userID, clientID)
	c.mu.Lock()
	if fl, exists := c.inflight[key]; exists {
		c.mu.Unlock()
		telemetry.IncTokenDedupJoin(string(provider))
		select {
		case <-fl.done:
			return fl.token, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &inflightRefresh{done: make(chan struct{}), created: time.Now()}
	c.inflight[key] = fl
	c.mu.Unlock()

	token, err := c.ensure(ctx, s, userID, clientID, forceRefresh)

	// Settle and remove unconditionally so a future call starts fresh.
	c.mu.Lock()
	if !fl.settled {
		fl.token, fl.err = token, err
		fl.settled = true
		close(fl.done)
	}
	if cur, exists := c.inflight[key]; exists && cur == fl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	return token, err
}

// RefreshAccessToken refreshes unconditionally, bypassing the freshness check
// but still joining any refresh already in flight for the key.
func (c *Coordinator) RefreshAccessToken(ctx context.Context, provider db.ProviderID, userID, clientID string) (string, error) {
	return c.EnsureAccessToken(ctx, provider, userID, clientID, true)
}

// ensure is the unit of work owned by the first caller for a key.
func (c *Coordinator) ensure(ctx context.Context, s Strategy, userID, clientID string, forceRefresh bool) (string, error) {
	provider := s.Provider()
	rec, err := c.store.Get(ctx, userID, provider, clientID)
	if err != nil {
		return "", fmt.Errorf("load %s integration: %w", provider, err)
	}
	if rec == nil {
		return "", &TokenError{Provider: provider, UserID: userID, Kind: ErrMissingCredential, Message: "integration not connected"}
	}
	if rec.AccessToken == "" {
		return "", &TokenError{Provider: provider, UserID: userID, Kind: ErrMissingCredential, Message: "no access token on record; reconnect the account"}
	}

	if !forceRefresh && !ExpiringSoon(rec.AccessTokenExpiresAt, c.bufferFor(provider)) {
		return rec.AccessToken, nil
	}

	start := time.Now()
	grant, err := c.refresh(ctx, s, rec)
	telemetry.ObserveTokenRefresh(string(provider), err == nil, time.Since(start))
	if err != nil {
		return "", err
	}

	expiry := time.Time{}
	if grant.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(grant.ExpiresIn)*time.Second - c.safetyBuffer)
	}
	upd := db.CredentialUpdate{
		AccessToken:          grant.AccessToken,
		AccessTokenExpiresAt: expiry,
		RefreshToken:         grant.RefreshToken,
		IDToken:              grant.IDToken,
	}
	if grant.RefreshExpiresIn > 0 {
		upd.RefreshTokenExpiresAt = time.Now().Add(time.Duration(grant.RefreshExpiresIn) * time.Second)
	}
	if grant.Scope != "" {
		upd.Scopes = strings.Fields(grant.Scope)
	}
	if err := c.store.UpdateCredentials(ctx, userID, provider, clientID, upd); err != nil {
		return "", fmt.Errorf("persist refreshed %s credentials: %w", provider, err)
	}

	slog.Info("token refreshed",
		slog.String("provider", string(provider)),
		slog.String("user_id", userID),
		slog.String("client_id", clientID),
		slog.String("component", "token_refresh"))
	return grant.AccessToken, nil
}

// refresh drives the provider strategy through the bounded retry loop.
// Only transient and network failures are retried; terminal classifications
// return immediately. After exhausting retries the last error is returned.
func (c *Coordinator) refresh(ctx context.Context, s Strategy, rec *db.IntegrationRecord) (*TokenGrant, error) {
	provider := s.Provider()
	if err := s.Validate(rec); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoffDelay(attempt-1, c.backoff)
			if ra := retryAfterOf(lastErr); ra > delay {
				delay = ra
			}
			slog.Debug("retrying token refresh",
				slog.String("provider", string(provider)),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("component", "token_refresh"))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := s.BuildRequest(ctx, rec)
		if err != nil {
			return nil, &TokenError{Provider: provider, UserID: rec.UserID, Kind: ErrProtocol, Message: "build refresh request", Err: err}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TokenError{Provider: provider, UserID: rec.UserID, Kind: ErrNetwork, Message: "refresh request failed", Err: err}
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
		if readErr != nil {
			lastErr = &TokenError{Provider: provider, UserID: rec.UserID, Kind: ErrNetwork, Message: "read refresh response", Err: readErr}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := s.ClassifyError(resp.StatusCode, body, resp.Header)
			if !IsRetryable(err) {
				return nil, withUser(err, rec.UserID)
			}
			lastErr = withUser(err, rec.UserID)
			continue
		}

		grant, err := s.ParseSuccess(body)
		if err != nil {
			if IsRetryable(err) {
				lastErr = withUser(err, rec.UserID)
				continue
			}
			return nil, withUser(err, rec.UserID)
		}
		if grant.AccessToken == "" {
			return nil, &TokenError{Provider: provider, UserID: rec.UserID, Kind: ErrProtocol, Message: "success response missing access_token"}
		}
		return grant, nil
	}
	return nil, lastErr
}

// evictStale drops in-flight entries older than the TTL. Entries normally
// remove themselves on completion; an orphan here means a refresh hung past
// any reasonable bound, so waiters are released with a transient error.
func (c *Coordinator) evictStale() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fl := range c.inflight {
		if now.Sub(fl.created) <= c.inflightTTL {
			continue
		}
		slog.Warn("evicting stale in-flight token refresh",
			slog.String("key", key),
			slog.Duration("age", now.Sub(fl.created)),
			slog.String("component", "token_refresh"))
		telemetry.IncTokenStaleEviction()
		if !fl.settled {
			fl.err = &TokenError{Kind: ErrTransient, Message: fmt.Sprintf("in-flight refresh for %s abandoned after %s", key, c.inflightTTL)}
			fl.settled = true
			close(fl.done)
		}
		delete(c.inflight, key)
	}
}

// withUser stamps the tenant onto a strategy-produced TokenError.
func withUser(err error, userID string) error {
	if te, ok := err.(*TokenError); ok && te.UserID == "" {
		te.UserID = userID
	}
	return err
}
