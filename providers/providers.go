// Package providers implements the per-platform refresh strategies driven by
// the oauth package's shared retry loop. Each strategy owns one provider's
// token endpoint, request encoding, and error-code vocabulary; everything else
// (backoff, deduplication, persistence) lives in oauth.
package providers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crosspost-collective/adsync/backend/config"
	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
)

// New builds the strategy set for every configured provider. Strategies for
// providers with no app credentials are still returned; their Validate method
// reports the configuration gap when a refresh is attempted.
func New(cfg *config.Config) map[db.ProviderID]oauth.Strategy {
	return map[db.ProviderID]oauth.Strategy{
		db.ProviderGoogle: &GoogleStrategy{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			TokenURL:     GoogleTokenURL,
		},
		db.ProviderMeta: &MetaStrategy{
			AppID:     cfg.MetaAppID,
			AppSecret: cfg.MetaAppSecret,
			TokenURL:  MetaTokenURL,
		},
		db.ProviderTikTok: &TikTokStrategy{
			AppID:    cfg.TikTokClientKey,
			Secret:   cfg.TikTokClientSecret,
			TokenURL: TikTokTokenURL,
		},
		db.ProviderLinkedIn: &LinkedInStrategy{
			ClientID:     cfg.LinkedInClientID,
			ClientSecret: cfg.LinkedInClientSecret,
			TokenURL:     LinkedInTokenURL,
		},
	}
}

// parseRetryAfter reads a Retry-After header as delay-seconds. HTTP-date
// values and garbage both come back as zero.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// transientStatus reports whether an HTTP status warrants a retry.
func transientStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
