package syncjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosspost-collective/adsync/backend/config"
	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/oauth"
	"github.com/crosspost-collective/adsync/backend/providers"
	"github.com/crosspost-collective/adsync/backend/testutil"
)

// fakeFetcher records fetch calls and returns a scripted error.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  []*Job
	tokens []string
	err    error
}

func (f *fakeFetcher) FetchMetrics(_ context.Context, job *Job, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, job)
	f.tokens = append(f.tokens, accessToken)
	return f.err
}

var testProviderConfig = config.Config{
	GoogleClientID:       "g-cid",
	GoogleClientSecret:   "g-sec",
	MetaAppID:            "m-app",
	MetaAppSecret:        "m-sec",
	TikTokClientKey:      "t-key",
	TikTokClientSecret:   "t-sec",
	LinkedInClientID:     "l-cid",
	LinkedInClientSecret: "l-sec",
}

func TestWorkerProcessesJob(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	// Fresh token with a far-future expiry: the coordinator serves it from
	// the store without any provider traffic.
	rec := &db.IntegrationRecord{
		UserID:               "tenant-1",
		Provider:             db.ProviderGoogle,
		ClientID:             "acct-1",
		AccessToken:          "cached-token",
		RefreshToken:         "rt",
		AccessTokenExpiresAt: time.Now().Add(2 * time.Hour),
	}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	coord := oauth.NewCoordinator(
		&db.IntegrationStore{DB: database},
		strategyList(),
		oauth.CoordinatorConfig{},
	)
	fetcher := &fakeFetcher{}
	w := NewWorker(database, coord)
	w.Fetcher = fetcher

	job, err := Enqueue(ctx, database, EnqueueParams{
		UserID:   "tenant-1",
		Provider: db.ProviderGoogle,
		ClientID: "acct-1",
		JobType:  TypeManualSync,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w.runCycle(ctx)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.calls) != 1 {
		t.Fatalf("fetcher called %d times, want 1", len(fetcher.calls))
	}
	if fetcher.tokens[0] != "cached-token" {
		t.Errorf("fetcher token = %q, want cached-token", fetcher.tokens[0])
	}

	jobs, _ := ListJobs(ctx, database, "tenant-1", 10)
	if len(jobs) != 1 || jobs[0].ID != job.ID || jobs[0].Status != StatusSuccess {
		t.Fatalf("jobs = %+v, want %s success", jobs, job.ID)
	}

	got, err := db.GetIntegration(ctx, database, "tenant-1", db.ProviderGoogle, "acct-1")
	if err != nil || got == nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got.LastSyncStatus != db.SyncStatusSuccess {
		t.Errorf("last sync status = %s, want success", got.LastSyncStatus)
	}
	if got.LastSyncAt.IsZero() {
		t.Error("completed sync did not record last_sync_at")
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	rec := &db.IntegrationRecord{
		UserID:               "tenant-1",
		Provider:             db.ProviderMeta,
		AccessToken:          "cached-token",
		AccessTokenExpiresAt: time.Now().Add(2 * time.Hour),
	}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	coord := oauth.NewCoordinator(&db.IntegrationStore{DB: database}, strategyList(), oauth.CoordinatorConfig{})
	fetcher := &fakeFetcher{err: errors.New("rate limited by provider")}
	w := NewWorker(database, coord)
	w.Fetcher = fetcher

	if _, err := Enqueue(ctx, database, EnqueueParams{
		UserID:   "tenant-1",
		Provider: db.ProviderMeta,
		JobType:  TypeScheduledSync,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w.runCycle(ctx)

	jobs, _ := ListJobs(ctx, database, "tenant-1", 10)
	if len(jobs) != 1 || jobs[0].Status != StatusError {
		t.Fatalf("jobs = %+v, want one errored", jobs)
	}
	if jobs[0].ErrorMessage != "rate limited by provider" {
		t.Errorf("error message = %q", jobs[0].ErrorMessage)
	}

	got, _ := db.GetIntegration(ctx, database, "tenant-1", db.ProviderMeta, "")
	if got == nil || got.LastSyncStatus != db.SyncStatusError {
		t.Errorf("integration sync status not mirrored: %+v", got)
	}

	// The failed job stays terminal; the next cycle claims nothing.
	fetcher.mu.Lock()
	calls := len(fetcher.calls)
	fetcher.mu.Unlock()
	w.runCycle(ctx)
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.calls) != calls {
		t.Error("errored job was reprocessed")
	}
}

func strategyList() []oauth.Strategy {
	set := providers.New(&testProviderConfig)
	out := make([]oauth.Strategy, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}
