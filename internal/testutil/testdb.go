package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/migrations"
	"signalbeam.sh/internal/models"
)

// NewDB opens an in-memory store with the full schema applied. The
// connection is closed when the test finishes.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := database.DefaultConfig("sqlite")
	cfg.DSN = ":memory:"
	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = migrations.MigrateUp(db.DB, "sqlite")
	require.NoError(t, err)
	return db
}

// SeedDevice inserts one device with the given tags.
func SeedDevice(t *testing.T, db *database.DB, tenant models.TenantID, id models.DeviceID, tags []string) {
	t.Helper()
	raw, err := json.Marshal(tags)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = db.Exec(`
		INSERT INTO devices (id, tenant_id, name, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, tenant, string(id), string(raw), now, now)
	require.NoError(t, err)
}

// SeedBundleVersion inserts a bundle (if missing) and one version.
func SeedBundleVersion(t *testing.T, db *database.DB, tenant models.TenantID, bundle models.BundleID, version, status string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT OR IGNORE INTO bundles (id, tenant_id, name, latest_version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, bundle, tenant, string(bundle), version, now)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO bundle_versions (bundle_id, version, checksum, size_bytes, blob_uri, status, created_at)
		VALUES (?, ?, 'sha256:abc', 2048, 'https://blobs.example.com/m.json', ?, ?)
	`, bundle, version, status, now)
	require.NoError(t, err)
}
