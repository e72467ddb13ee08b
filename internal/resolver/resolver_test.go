package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
	"signalbeam.sh/internal/testutil"
)

const tenant = models.TenantID("tenant-1")

func seedFleet(t *testing.T, r *Resolver) {
	t.Helper()
	testutil.SeedDevice(t, r.db, tenant, "dev-a", []string{"env=prod", "region=us-east", "gpu"})
	testutil.SeedDevice(t, r.db, tenant, "dev-b", []string{"env=prod", "region=eu-west"})
	testutil.SeedDevice(t, r.db, tenant, "dev-c", []string{"env=staging", "region=us-east"})
	testutil.SeedDevice(t, r.db, "other-tenant", "dev-z", []string{"env=prod"})
}

func TestExpandAllDevices(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)

	ids, err := r.Expand(context.Background(), tenant, AllDevices())
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-a", "dev-b", "dev-c"}, ids)
}

func TestExpandTagQuery(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)

	tests := []struct {
		query string
		want  []models.DeviceID
	}{
		{"env=prod", []models.DeviceID{"dev-a", "dev-b"}},
		{"env=prod AND region=us-east", []models.DeviceID{"dev-a"}},
		{"env=prod OR env=staging", []models.DeviceID{"dev-a", "dev-b", "dev-c"}},
		{"NOT env=prod", []models.DeviceID{"dev-c"}},
		{"gpu", []models.DeviceID{"dev-a"}},
		{"region=us-*", []models.DeviceID{"dev-a", "dev-c"}},
		{"env=missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			ids, err := r.Expand(context.Background(), tenant, TagQuery(tt.query))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestExpandInvalidQuery(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)

	_, err := r.Expand(context.Background(), tenant, TagQuery("env="))
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeValidation, sberrors.GetCode(err))
}

func TestExpandStaticGroup(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)
	now := time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO device_groups (id, tenant_id, name, type, tag_query, created_at)
		VALUES ('grp-1', ?, 'pinned', 'static', '', ?)
	`, tenant, now)
	require.NoError(t, err)
	for _, d := range []string{"dev-c", "dev-a"} {
		_, err := r.db.Exec(`
			INSERT INTO group_memberships (group_id, device_id, added_at)
			VALUES ('grp-1', ?, ?)
		`, d, now)
		require.NoError(t, err)
	}

	ids, err := r.Expand(context.Background(), tenant, Group("grp-1"))
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-a", "dev-c"}, ids)
}

func TestExpandDynamicGroup(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)

	_, err := r.db.Exec(`
		INSERT INTO device_groups (id, tenant_id, name, type, tag_query, created_at)
		VALUES ('grp-2', ?, 'prod', 'dynamic', 'env=prod', ?)
	`, tenant, time.Now().UTC())
	require.NoError(t, err)

	// Dynamic membership follows the stored query at expansion time.
	ids, err := r.Expand(context.Background(), tenant, Group("grp-2"))
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-a", "dev-b"}, ids)

	testutil.SeedDevice(t, r.db, tenant, "dev-d", []string{"env=prod"})
	ids, err = r.Expand(context.Background(), tenant, Group("grp-2"))
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-a", "dev-b", "dev-d"}, ids)
}

func TestExpandGroupNotFound(t *testing.T) {
	r := New(testutil.NewDB(t))
	_, err := r.Expand(context.Background(), tenant, Group("nope"))
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeNotFound, sberrors.GetCode(err))
}

func TestExpandDeviceIDsValidatesOwnership(t *testing.T) {
	r := New(testutil.NewDB(t))
	seedFleet(t, r)

	ids, err := r.Expand(context.Background(), tenant, DeviceIDs("dev-b", "dev-a", "dev-b"))
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-a", "dev-b"}, ids)

	// A foreign device fails the whole expansion.
	_, err = r.Expand(context.Background(), tenant, DeviceIDs("dev-a", "dev-z"))
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeValidation, sberrors.GetCode(err))
}

func TestExpandSkipsCorruptedTags(t *testing.T) {
	db := testutil.NewDB(t)
	r := New(db)
	testutil.SeedDevice(t, db, tenant, "dev-good", []string{"env=prod"})
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO devices (id, tenant_id, name, tags, created_at, updated_at)
		VALUES ('dev-bad', ?, 'bad', 'not-json', ?, ?)
	`, tenant, now, now)
	require.NoError(t, err)

	ids, err := r.Expand(context.Background(), tenant, TagQuery("env=prod"))
	require.NoError(t, err)
	assert.Equal(t, []models.DeviceID{"dev-good"}, ids)
}
