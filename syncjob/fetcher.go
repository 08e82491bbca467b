package syncjob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
)

// Fetcher pulls metrics from a provider's reporting API for one claimed job.
// Injected into the worker so tests can run without real provider traffic.
type Fetcher interface {
	FetchMetrics(ctx context.Context, job *Job, accessToken string) error
}

// reportEndpoints are the account-level reporting URLs polled per provider.
var reportEndpoints = map[db.ProviderID]string{
	db.ProviderGoogle:   "https://googleads.googleapis.com/v17/customers:listAccessibleCustomers",
	db.ProviderMeta:     "https://graph.facebook.com/v19.0/me/adaccounts",
	db.ProviderTikTok:   "https://business-api.tiktok.com/open_api/v1.3/advertiser/info/",
	db.ProviderLinkedIn: "https://api.linkedin.com/rest/adAccounts?q=search",
}

// HTTPFetcher is the default Fetcher. It issues an authenticated
// account-level request against the provider's reporting API, which both
// exercises the fresh token and confirms the account is reachable.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) FetchMetrics(ctx context.Context, job *Job, accessToken string) error {
	endpoint, ok := reportEndpoints[job.Provider]
	if !ok {
		return fmt.Errorf("no reporting endpoint for provider %s", job.Provider)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if job.ClientID != "" {
		q := u.Query()
		q.Set("account_id", job.ClientID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s metrics: %w", job.Provider, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s metrics: HTTP %d", job.Provider, resp.StatusCode)
	}
	return nil
}
