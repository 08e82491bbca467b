package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ProviderID identifies one of the supported ad platforms.
type ProviderID string

const (
	ProviderGoogle   ProviderID = "google"
	ProviderMeta     ProviderID = "facebook"
	ProviderTikTok   ProviderID = "tiktok"
	ProviderLinkedIn ProviderID = "linkedin"
)

// KnownProvider reports whether p is one of the supported platforms.
func KnownProvider(p ProviderID) bool {
	switch p {
	case ProviderGoogle, ProviderMeta, ProviderTikTok, ProviderLinkedIn:
		return true
	}
	return false
}

// SyncStatus is the last-sync outcome recorded on an integration.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
	SyncStatusNever   SyncStatus = "never"
)

// IntegrationRecord is one linked ad-platform account for a tenant, optionally
// scoped to a single client account (ClientID empty means workspace-wide).
// A zero AccessTokenExpiresAt means the expiry is unknown and the token must
// be treated as already expiring.
type IntegrationRecord struct {
	UserID   string
	Provider ProviderID
	ClientID string

	AccessToken  string
	RefreshToken string
	IDToken      string

	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time

	Scopes []string

	AccountID         string
	DeveloperToken    string
	LoginCustomerID   string
	ManagerCustomerID string

	LastSyncStatus  SyncStatus
	LastSyncMessage string
	LastSyncAt      time.Time

	AutoSyncEnabled        bool
	SyncFrequencyMinutes   int
	ScheduledTimeframeDays int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CredentialUpdate carries the fields a token refresh may change. Merge-write
// semantics: empty RefreshToken/IDToken leave the stored values untouched so a
// provider that does not rotate them never clobbers what the user linked.
type CredentialUpdate struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	IDToken               string
	Scopes                []string
}

const integrationColumns = `user_id, provider, client_id,
	COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(id_token,''),
	access_token_expires_at, refresh_token_expires_at,
	COALESCE(scopes,''), COALESCE(account_id,''), COALESCE(developer_token,''),
	COALESCE(login_customer_id,''), COALESCE(manager_customer_id,''),
	last_sync_status, COALESCE(last_sync_message,''), last_sync_at,
	COALESCE(auto_sync_enabled,false), COALESCE(sync_frequency_minutes,0),
	COALESCE(scheduled_timeframe_days,0), COALESCE(encryption_version,0),
	created_at, COALESCE(updated_at, created_at)`

func scanIntegration(row interface{ Scan(...any) error }) (*IntegrationRecord, error) {
	var rec IntegrationRecord
	var scopes string
	var atExp, rtExp, lastSync sql.NullTime
	var encVersion int
	if err := row.Scan(&rec.UserID, &rec.Provider, &rec.ClientID,
		&rec.AccessToken, &rec.RefreshToken, &rec.IDToken,
		&atExp, &rtExp,
		&scopes, &rec.AccountID, &rec.DeveloperToken,
		&rec.LoginCustomerID, &rec.ManagerCustomerID,
		&rec.LastSyncStatus, &rec.LastSyncMessage, &lastSync,
		&rec.AutoSyncEnabled, &rec.SyncFrequencyMinutes,
		&rec.ScheduledTimeframeDays, &encVersion,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if atExp.Valid {
		rec.AccessTokenExpiresAt = atExp.Time
	}
	if rtExp.Valid {
		rec.RefreshTokenExpiresAt = rtExp.Time
	}
	if lastSync.Valid {
		rec.LastSyncAt = lastSync.Time
	}
	if scopes != "" {
		rec.Scopes = strings.Fields(scopes)
	}
	var err error
	if rec.AccessToken, err = decryptToken(rec.AccessToken, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if rec.RefreshToken, err = decryptToken(rec.RefreshToken, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if rec.IDToken, err = decryptToken(rec.IDToken, encVersion); err != nil {
		return nil, fmt.Errorf("decrypt id token: %w", err)
	}
	return &rec, nil
}

// GetIntegration loads one integration record; returns (nil, nil) when the
// tenant has not linked that provider/client scope.
func GetIntegration(ctx context.Context, dbx *sql.DB, userID string, provider ProviderID, clientID string) (*IntegrationRecord, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE user_id=$1 AND provider=$2 AND client_id=$3`, userID, provider, clientID)
	rec, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// UpsertIntegration persists a newly linked (or re-linked) integration.
// Tokens are encrypted when ENCRYPTION_KEY is configured.
func UpsertIntegration(ctx context.Context, dbx *sql.DB, rec *IntegrationRecord) error {
	access, ver, err := encryptToken(rec.AccessToken)
	if err != nil {
		return err
	}
	refresh, _, err := encryptToken(rec.RefreshToken)
	if err != nil {
		return err
	}
	idTok, _, err := encryptToken(rec.IDToken)
	if err != nil {
		return err
	}
	keyID := ""
	if ver == 1 {
		keyID = "default"
	}
	q := `INSERT INTO integrations (user_id, provider, client_id,
			access_token, refresh_token, id_token,
			access_token_expires_at, refresh_token_expires_at, scopes,
			account_id, developer_token, login_customer_id, manager_customer_id,
			last_sync_status, auto_sync_enabled, sync_frequency_minutes,
			scheduled_timeframe_days, encryption_version, encryption_key_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW())
		ON CONFLICT (user_id, provider, client_id) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			id_token=EXCLUDED.id_token,
			access_token_expires_at=EXCLUDED.access_token_expires_at,
			refresh_token_expires_at=EXCLUDED.refresh_token_expires_at,
			scopes=EXCLUDED.scopes,
			account_id=EXCLUDED.account_id,
			developer_token=EXCLUDED.developer_token,
			login_customer_id=EXCLUDED.login_customer_id,
			manager_customer_id=EXCLUDED.manager_customer_id,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`
	status := rec.LastSyncStatus
	if status == "" {
		status = SyncStatusNever
	}
	_, err = dbx.ExecContext(ctx, q, rec.UserID, rec.Provider, rec.ClientID,
		access, refresh, idTok,
		nullTime(rec.AccessTokenExpiresAt), nullTime(rec.RefreshTokenExpiresAt),
		strings.Join(rec.Scopes, " "),
		rec.AccountID, rec.DeveloperToken, rec.LoginCustomerID, rec.ManagerCustomerID,
		status, rec.AutoSyncEnabled, rec.SyncFrequencyMinutes,
		rec.ScheduledTimeframeDays, ver, keyID)
	return err
}

// UpdateIntegrationCredentials merge-writes refreshed credentials onto an
// existing record. Only the fields present in upd are touched; in particular
// an empty refresh/ID token preserves the stored one (Meta never rotates its
// long-lived token, Google only returns id_token on some grants).
func UpdateIntegrationCredentials(ctx context.Context, dbx *sql.DB, userID string, provider ProviderID, clientID string, upd CredentialUpdate) error {
	access, ver, err := encryptToken(upd.AccessToken)
	if err != nil {
		return err
	}
	keyID := ""
	if ver == 1 {
		keyID = "default"
	}
	sets := []string{"access_token=$4", "access_token_expires_at=$5", "encryption_version=$6", "encryption_key_id=$7", "updated_at=NOW()"}
	args := []any{userID, provider, clientID, access, nullTime(upd.AccessTokenExpiresAt), ver, keyID}
	if upd.RefreshToken != "" {
		refresh, _, err := encryptToken(upd.RefreshToken)
		if err != nil {
			return err
		}
		args = append(args, refresh)
		sets = append(sets, fmt.Sprintf("refresh_token=$%d", len(args)))
	}
	if !upd.RefreshTokenExpiresAt.IsZero() {
		args = append(args, upd.RefreshTokenExpiresAt)
		sets = append(sets, fmt.Sprintf("refresh_token_expires_at=$%d", len(args)))
	}
	if upd.IDToken != "" {
		idTok, _, err := encryptToken(upd.IDToken)
		if err != nil {
			return err
		}
		args = append(args, idTok)
		sets = append(sets, fmt.Sprintf("id_token=$%d", len(args)))
	}
	if len(upd.Scopes) > 0 {
		args = append(args, strings.Join(upd.Scopes, " "))
		sets = append(sets, fmt.Sprintf("scopes=$%d", len(args)))
	}
	q := `UPDATE integrations SET ` + strings.Join(sets, ", ") +
		` WHERE user_id=$1 AND provider=$2 AND client_id=$3`
	res, err := dbx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("integration %s/%s not found for user %s", provider, clientID, userID)
	}
	return nil
}

// UpdateIntegrationSyncStatus records the outcome of a sync attempt.
// last_sync_at tracks sync recency separately from updated_at, which token
// refreshes also bump.
func UpdateIntegrationSyncStatus(ctx context.Context, dbx *sql.DB, userID string, provider ProviderID, clientID string, status SyncStatus, message string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE integrations SET last_sync_status=$4, last_sync_message=$5, last_sync_at=NOW(), updated_at=NOW()
		WHERE user_id=$1 AND provider=$2 AND client_id=$3`, userID, provider, clientID, status, message)
	return err
}

// DeleteIntegration removes a linked integration (explicit disconnect).
// Pending sync jobs are cancelled separately by the caller.
func DeleteIntegration(ctx context.Context, dbx *sql.DB, userID string, provider ProviderID, clientID string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM integrations WHERE user_id=$1 AND provider=$2 AND client_id=$3`,
		userID, provider, clientID)
	return err
}

// ListIntegrations returns every integration linked by a tenant.
func ListIntegrations(ctx context.Context, dbx *sql.DB, userID string) ([]*IntegrationRecord, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE user_id=$1 ORDER BY provider, client_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IntegrationRecord
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListExpiringIntegrations returns records whose access token expires within
// the window (or has no recorded expiry) and that have a refresh path. Used by
// the proactive refresher sweep.
func ListExpiringIntegrations(ctx context.Context, dbx *sql.DB, window time.Duration, limit int) ([]*IntegrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dbx.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE COALESCE(access_token,'') <> ''
		  AND (access_token_expires_at IS NULL OR access_token_expires_at <= NOW() + $1::interval)
		ORDER BY access_token_expires_at ASC NULLS FIRST
		LIMIT $2`, fmt.Sprintf("%d seconds", int(window.Seconds())), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IntegrationRecord
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAutoSyncDue returns auto-sync-enabled integrations whose configured
// frequency has elapsed since the last recorded sync. Due-ness is judged on
// last_sync_at, never updated_at: token refreshes rewrite the row frequently
// and must not push the next scheduled sync out.
func ListAutoSyncDue(ctx context.Context, dbx *sql.DB, limit int) ([]*IntegrationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dbx.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE COALESCE(auto_sync_enabled,false)=true
		  AND COALESCE(sync_frequency_minutes,0) > 0
		  AND COALESCE(last_sync_at, created_at) <= NOW() - (sync_frequency_minutes * interval '1 minute')
		ORDER BY COALESCE(last_sync_at, created_at) ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IntegrationRecord
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// IntegrationStore adapts the package-level accessors to the narrow interface
// the oauth coordinator depends on.
type IntegrationStore struct{ DB *sql.DB }

func (s *IntegrationStore) Get(ctx context.Context, userID string, provider ProviderID, clientID string) (*IntegrationRecord, error) {
	return GetIntegration(ctx, s.DB, userID, provider, clientID)
}

func (s *IntegrationStore) UpdateCredentials(ctx context.Context, userID string, provider ProviderID, clientID string, upd CredentialUpdate) error {
	return UpdateIntegrationCredentials(ctx, s.DB, userID, provider, clientID, upd)
}
