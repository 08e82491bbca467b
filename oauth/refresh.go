package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
)

// StartRefresher launches a goroutine that periodically scans for
// integrations whose access token expires within the window and refreshes
// them through the coordinator. The sweep keeps tokens warm so interactive
// requests rarely pay refresh latency; the coordinator's dedup makes it safe
// to race with foreground ensure calls.
// interval: how often to wake up and scan.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, dbc *sql.DB, coord *Coordinator, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			sweepOnce(ctx, dbc, coord, window)
		}
	}()
}

func sweepOnce(ctx context.Context, dbc *sql.DB, coord *Coordinator, window time.Duration) {
	recs, err := db.ListExpiringIntegrations(ctx, dbc, window, 100)
	if err != nil {
		slog.Warn("expiring integration scan failed", slog.Any("err", err), slog.String("component", "token_sweep"))
		return
	}
	for _, rec := range recs {
		// Meta's long-lived token can only be exchanged while still valid;
		// every other provider needs a refresh token to renew.
		if rec.Provider != db.ProviderMeta && rec.RefreshToken == "" {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := coord.EnsureAccessToken(rctx, rec.Provider, rec.UserID, rec.ClientID, false)
		cancel()
		if err != nil {
			if IsReconnectRequired(err) {
				// Nothing the sweep can do; the user has to re-link.
				slog.Info("integration requires reconnect",
					slog.String("provider", string(rec.Provider)),
					slog.String("user_id", rec.UserID),
					slog.String("component", "token_sweep"))
				continue
			}
			slog.Warn("proactive token refresh failed",
				slog.String("provider", string(rec.Provider)),
				slog.String("user_id", rec.UserID),
				slog.Any("err", err),
				slog.String("component", "token_sweep"))
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
