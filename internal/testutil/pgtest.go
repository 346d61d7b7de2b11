// Package testutil holds shared test helpers.
package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// PGTest opens the database named by POSTGRES_URL for an integration test,
// skipping the test when the variable is unset. Callers get a clean slate:
// any tables passed in are truncated before the test runs.
func PGTest(t *testing.T, tables ...string) *sql.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set; skipping integration test")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf(`TRUNCATE TABLE %s CASCADE`, table)); err != nil {
			// Table may not exist yet; the store's Migrate creates it.
			continue
		}
	}
	return db
}
