package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/crosspost-collective/adsync/backend/db"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// ResetTables truncates mutable tables between tests sharing one database.
func ResetTables(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"sync_jobs", "integrations", "kv"} {
		if _, err := database.Exec("TRUNCATE TABLE " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}
