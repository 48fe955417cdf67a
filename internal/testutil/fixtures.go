// fixtures.go - Test data seed helpers for the Postgres schema.
package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
)

// SeedUser inserts a user with the given role and returns its ID.
func SeedUser(t *testing.T, db *sql.DB, role string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := db.Exec(`INSERT INTO users (id, role) VALUES ($1, $2)`, id, role); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	t.Cleanup(func() { CleanupUser(db, id) })
	return id
}

// SeedPlan inserts a plan with the given limits and returns its ID.
func SeedPlan(t *testing.T, db *sql.DB, deviceLimit int, offline bool, maxDownloads int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO plans (id, name, price_cents, billing_period, device_limit, offline_allowed, max_offline_downloads)
		VALUES ($1, $2, 999, 'monthly', $3, $4, $5)
	`, id, "test-"+id.String()[:8], deviceLimit, offline, maxDownloads)
	if err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return id
}

// SeedSubscription inserts an active subscription ending at end and returns
// its external reference.
func SeedSubscription(t *testing.T, db *sql.DB, userID, planID uuid.UUID, start, end time.Time) string {
	t.Helper()
	ref := "sub_test_" + uuid.NewString()[:12]
	_, err := db.Exec(`
		INSERT INTO subscriptions (id, user_id, plan_id, status, start_date, end_date, external_ref)
		VALUES ($1, $2, $3, 'active', $4, $5, $6)
	`, uuid.New(), userID, planID, start, end, ref)
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return ref
}

// SeedContent inserts a content row and returns its ID.
func SeedContent(t *testing.T, db *sql.DB, published bool, adaptive, progressive string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO content (id, published, adaptive_locator, progressive_locator)
		VALUES ($1, $2, $3, $4)
	`, id, published, adaptive, progressive)
	if err != nil {
		t.Fatalf("seed content: %v", err)
	}
	return id
}

// CleanupUser removes a test user; owned rows cascade.
func CleanupUser(db *sql.DB, userID uuid.UUID) {
	_, _ = db.Exec(`DELETE FROM users WHERE id = $1`, userID)
}
