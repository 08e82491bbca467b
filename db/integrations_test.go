package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/testutil"
)

func TestProviderIDValues(t *testing.T) {
	// Stored rows use the platform's wire name; Meta keeps "facebook" for
	// compatibility with existing integrations.
	want := map[db.ProviderID]string{
		db.ProviderGoogle:   "google",
		db.ProviderMeta:     "facebook",
		db.ProviderTikTok:   "tiktok",
		db.ProviderLinkedIn: "linkedin",
	}
	for p, s := range want {
		if string(p) != s {
			t.Errorf("provider constant = %q, want %q", p, s)
		}
		if !db.KnownProvider(p) {
			t.Errorf("KnownProvider(%q) = false", p)
		}
	}
	if db.KnownProvider("twitter") {
		t.Error("KnownProvider accepted an unsupported platform")
	}
}

func TestUpsertAndGetRoundtrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	rec := &db.IntegrationRecord{
		UserID:               "u-roundtrip",
		Provider:             db.ProviderGoogle,
		AccessToken:          "at-secret",
		RefreshToken:         "rt-secret",
		IDToken:              "idt-secret",
		AccessTokenExpiresAt: expiry,
		Scopes:               []string{"ads.read", "ads.manage"},
		AccountID:            "123-456-7890",
		DeveloperToken:       "dev-tok",
	}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	got, err := db.GetIntegration(ctx, database, "u-roundtrip", db.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got == nil {
		t.Fatal("GetIntegration returned nil for existing record")
	}
	if got.AccessToken != "at-secret" || got.RefreshToken != "rt-secret" || got.IDToken != "idt-secret" {
		t.Errorf("token roundtrip mismatch: %+v", got)
	}
	if d := got.AccessTokenExpiresAt.Sub(expiry); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("expiry = %v, want ≈ %v", got.AccessTokenExpiresAt, expiry)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "ads.read" {
		t.Errorf("scopes = %v", got.Scopes)
	}
	if got.LastSyncStatus != db.SyncStatusNever {
		t.Errorf("new integration status = %q, want %q", got.LastSyncStatus, db.SyncStatusNever)
	}

	// Tokens are stored encrypted when a key is configured; either way the
	// raw column must never be consulted by callers, only the decrypted view.
	rec.AccessToken = "at-rotated"
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = db.GetIntegration(ctx, database, "u-roundtrip", db.ProviderGoogle, "")
	if err != nil || got == nil {
		t.Fatalf("GetIntegration after re-upsert: %v", err)
	}
	if got.AccessToken != "at-rotated" {
		t.Errorf("upsert did not replace access token: %q", got.AccessToken)
	}
}

func TestGetIntegrationMissing(t *testing.T) {
	database := testutil.SetupTestDB(t)

	got, err := db.GetIntegration(context.Background(), database, "u-nobody", db.ProviderMeta, "")
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil record for missing integration, got %+v", got)
	}
}

func TestUpdateCredentialsMergeSemantics(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	rec := &db.IntegrationRecord{
		UserID:       "u-merge",
		Provider:     db.ProviderMeta,
		AccessToken:  "at-old",
		RefreshToken: "rt-long-lived",
	}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	// Meta-style refresh: new access token, no refresh token in the grant.
	// The stored long-lived token must survive.
	expiry := time.Now().Add(time.Hour)
	err := db.UpdateIntegrationCredentials(ctx, database, "u-merge", db.ProviderMeta, "", db.CredentialUpdate{
		AccessToken:          "at-new",
		AccessTokenExpiresAt: expiry,
	})
	if err != nil {
		t.Fatalf("UpdateIntegrationCredentials: %v", err)
	}
	got, err := db.GetIntegration(ctx, database, "u-merge", db.ProviderMeta, "")
	if err != nil || got == nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got.AccessToken != "at-new" {
		t.Errorf("access token = %q, want at-new", got.AccessToken)
	}
	if got.RefreshToken != "rt-long-lived" {
		t.Errorf("empty refresh token in update overwrote stored one: %q", got.RefreshToken)
	}

	// Google-style rotation: refresh token present, so it is replaced.
	err = db.UpdateIntegrationCredentials(ctx, database, "u-merge", db.ProviderMeta, "", db.CredentialUpdate{
		AccessToken:          "at-newer",
		AccessTokenExpiresAt: expiry,
		RefreshToken:         "rt-rotated",
		Scopes:               []string{"ads_read"},
	})
	if err != nil {
		t.Fatalf("UpdateIntegrationCredentials rotate: %v", err)
	}
	got, _ = db.GetIntegration(ctx, database, "u-merge", db.ProviderMeta, "")
	if got.RefreshToken != "rt-rotated" {
		t.Errorf("refresh token = %q, want rt-rotated", got.RefreshToken)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "ads_read" {
		t.Errorf("scopes = %v", got.Scopes)
	}
}

func TestUpdateCredentialsMissingRow(t *testing.T) {
	database := testutil.SetupTestDB(t)

	err := db.UpdateIntegrationCredentials(context.Background(), database, "u-ghost", db.ProviderTikTok, "", db.CredentialUpdate{
		AccessToken: "at",
	})
	if err == nil {
		t.Fatal("expected error updating credentials for missing integration")
	}
}

func TestUpdateIntegrationSyncStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	rec := &db.IntegrationRecord{UserID: "u-status", Provider: db.ProviderLinkedIn, AccessToken: "at"}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}
	if err := db.UpdateIntegrationSyncStatus(ctx, database, "u-status", db.ProviderLinkedIn, "", db.SyncStatusError, "report endpoint 500"); err != nil {
		t.Fatalf("UpdateIntegrationSyncStatus: %v", err)
	}
	got, _ := db.GetIntegration(ctx, database, "u-status", db.ProviderLinkedIn, "")
	if got.LastSyncStatus != db.SyncStatusError || got.LastSyncMessage != "report endpoint 500" {
		t.Errorf("sync status = %q message = %q", got.LastSyncStatus, got.LastSyncMessage)
	}
}

func TestListExpiringIntegrations(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	mk := func(userID string, expiry time.Time, token string) {
		t.Helper()
		if err := db.UpsertIntegration(ctx, database, &db.IntegrationRecord{
			UserID: userID, Provider: db.ProviderGoogle,
			AccessToken: token, RefreshToken: "rt",
			AccessTokenExpiresAt: expiry,
		}); err != nil {
			t.Fatalf("UpsertIntegration %s: %v", userID, err)
		}
	}
	mk("u-fresh", time.Now().Add(2*time.Hour), "at")
	mk("u-expiring", time.Now().Add(time.Minute), "at")
	mk("u-unknown", time.Time{}, "at") // unknown expiry sorts first
	mk("u-disconnected", time.Now().Add(time.Minute), "")

	got, err := db.ListExpiringIntegrations(ctx, database, 30*time.Minute, 100)
	if err != nil {
		t.Fatalf("ListExpiringIntegrations: %v", err)
	}
	users := make(map[string]bool, len(got))
	for _, r := range got {
		users[r.UserID] = true
	}
	if len(got) != 2 || !users["u-expiring"] || !users["u-unknown"] {
		t.Errorf("expiring set = %v, want exactly {u-expiring, u-unknown}", users)
	}
	if got[0].UserID != "u-unknown" {
		t.Errorf("first = %s, want u-unknown (NULLS FIRST)", got[0].UserID)
	}
}

func TestListAutoSyncDue(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	mk := func(userID string, enabled bool, freqMinutes int) {
		t.Helper()
		if err := db.UpsertIntegration(ctx, database, &db.IntegrationRecord{
			UserID: userID, Provider: db.ProviderTikTok,
			AccessToken: "at", RefreshToken: "rt",
			AutoSyncEnabled: enabled, SyncFrequencyMinutes: freqMinutes,
		}); err != nil {
			t.Fatalf("UpsertIntegration %s: %v", userID, err)
		}
	}
	mk("u-due", true, 60)
	mk("u-recent", true, 60)
	mk("u-disabled", false, 60)
	mk("u-nofreq", true, 0)

	// Age every row past the frequency window, then record a fresh sync on
	// the ones that should not be due.
	if _, err := database.ExecContext(ctx,
		`UPDATE integrations SET created_at = NOW() - interval '2 hours', last_sync_at = NOW() - interval '2 hours'`); err != nil {
		t.Fatalf("age integrations: %v", err)
	}
	if err := db.UpdateIntegrationSyncStatus(ctx, database, "u-recent", db.ProviderTikTok, "", db.SyncStatusSuccess, ""); err != nil {
		t.Fatalf("UpdateIntegrationSyncStatus: %v", err)
	}

	due := func() []string {
		t.Helper()
		got, err := db.ListAutoSyncDue(ctx, database, 100)
		if err != nil {
			t.Fatalf("ListAutoSyncDue: %v", err)
		}
		names := make([]string, 0, len(got))
		for _, r := range got {
			names = append(names, r.UserID)
		}
		return names
	}

	if names := due(); len(names) != 1 || names[0] != "u-due" {
		t.Errorf("due set = %v, want [u-due]", names)
	}

	// A token refresh rewrites the row but must not push the next scheduled
	// sync out.
	err := db.UpdateIntegrationCredentials(ctx, database, "u-due", db.ProviderTikTok, "", db.CredentialUpdate{
		AccessToken:          "at-refreshed",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("UpdateIntegrationCredentials: %v", err)
	}
	if names := due(); len(names) != 1 || names[0] != "u-due" {
		t.Errorf("due set after token refresh = %v, want still [u-due]", names)
	}

	// Recording the sync outcome is what resets the clock.
	if err := db.UpdateIntegrationSyncStatus(ctx, database, "u-due", db.ProviderTikTok, "", db.SyncStatusSuccess, ""); err != nil {
		t.Fatalf("UpdateIntegrationSyncStatus: %v", err)
	}
	if names := due(); len(names) != 0 {
		t.Errorf("due set after recorded sync = %v, want empty", names)
	}
}

func TestDeleteIntegration(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	rec := &db.IntegrationRecord{UserID: "u-del", Provider: db.ProviderGoogle, AccessToken: "at"}
	if err := db.UpsertIntegration(ctx, database, rec); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}
	if err := db.DeleteIntegration(ctx, database, "u-del", db.ProviderGoogle, ""); err != nil {
		t.Fatalf("DeleteIntegration: %v", err)
	}
	got, err := db.GetIntegration(ctx, database, "u-del", db.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got != nil {
		t.Error("integration still present after delete")
	}
}

func TestListIntegrationsScopedToUser(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.ResetTables(t, database)
	ctx := context.Background()

	for _, p := range []db.ProviderID{db.ProviderGoogle, db.ProviderMeta} {
		if err := db.UpsertIntegration(ctx, database, &db.IntegrationRecord{
			UserID: "u-list", Provider: p, AccessToken: "at",
		}); err != nil {
			t.Fatalf("UpsertIntegration: %v", err)
		}
	}
	if err := db.UpsertIntegration(ctx, database, &db.IntegrationRecord{
		UserID: "u-other", Provider: db.ProviderGoogle, AccessToken: "at",
	}); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}

	got, err := db.ListIntegrations(ctx, database, "u-list")
	if err != nil {
		t.Fatalf("ListIntegrations: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.UserID != "u-list" {
			t.Errorf("leaked record for %s", r.UserID)
		}
	}
}
