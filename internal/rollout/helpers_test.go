package rollout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/config"
	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/desiredstate"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/resolver"
	"signalbeam.sh/internal/testutil"
)

const testTenant = models.TenantID("tenant-1")

type testEngine struct {
	db       *database.DB
	cfg      *config.EngineConfig
	store    *Store
	index    *desiredstate.Index
	alerts   *alerting.Engine
	planner  *Planner
	executor *Executor
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.TestEngineConfig()
	store := NewStore(db)
	index := desiredstate.NewIndex(db)
	alerts := alerting.NewEngine(db)
	res := resolver.New(db)
	return &testEngine{
		db:       db,
		cfg:      cfg,
		store:    store,
		index:    index,
		alerts:   alerts,
		planner:  NewPlanner(db, res, store, cfg),
		executor: NewExecutor(store, index, alerts, cfg, nil),
	}
}

// seedDevices inserts n devices with predictable, sortable IDs.
func seedDevices(t *testing.T, db *database.DB, tenant models.TenantID, n int, tags string) []models.DeviceID {
	t.Helper()
	now := time.Now().UTC()
	ids := make([]models.DeviceID, 0, n)
	for i := 0; i < n; i++ {
		id := models.DeviceID(fmt.Sprintf("dev-%03d", i))
		if tags == "" {
			tags = "[]"
		}
		_, err := db.Exec(`
			INSERT INTO devices (id, tenant_id, name, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, tenant, string(id), tags, now, now)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// seedBundle inserts a bundle with one published version.
func seedBundle(t *testing.T, db *database.DB, tenant models.TenantID, version string) models.BundleID {
	t.Helper()
	id := models.BundleID("bundle-1")
	testutil.SeedBundleVersion(t, db, tenant, id, version, "published")
	return id
}

func seedVersion(t *testing.T, db *database.DB, bundle models.BundleID, version, status string) {
	t.Helper()
	testutil.SeedBundleVersion(t, db, testTenant, bundle, version, status)
}

// createStarted plans and starts a rollout over n devices.
func (te *testEngine) createStarted(t *testing.T, n int, phases []PhaseSpec, threshold float64) (*Rollout, []models.DeviceID) {
	t.Helper()
	devices := seedDevices(t, te.db, testTenant, n, "")
	bundle := seedBundle(t, te.db, testTenant, "2.0.0")
	seedVersion(t, te.db, bundle, "1.0.0", "published")

	r, err := te.planner.Create(context.Background(), CreateRequest{
		TenantID:         testTenant,
		Name:             "test-rollout",
		BundleID:         bundle,
		TargetVersion:    "2.0.0",
		PreviousVersion:  "1.0.0",
		Selector:         resolver.AllDevices(),
		Phases:           phases,
		FailureThreshold: &threshold,
	})
	require.NoError(t, err)

	r, err = te.executor.Start(context.Background(), testTenant, r.ID)
	require.NoError(t, err)
	return r, devices
}

func (te *testEngine) report(t *testing.T, device models.DeviceID, version string, status models.DeploymentStatus, errMsg string) {
	t.Helper()
	err := te.executor.HandleDeviceReport(context.Background(), testTenant, Report{
		DeviceID:     device,
		Version:      version,
		Status:       status,
		ErrorMessage: errMsg,
	})
	require.NoError(t, err)
}

func (te *testEngine) tick(t *testing.T, id models.RolloutID) *Rollout {
	t.Helper()
	require.NoError(t, te.executor.Tick(context.Background(), testTenant, id))
	r, err := te.store.GetRollout(context.Background(), testTenant, id)
	require.NoError(t, err)
	return r
}

func (te *testEngine) desiredVersion(t *testing.T, device models.DeviceID) (string, bool) {
	t.Helper()
	rec, err := te.index.Get(context.Background(), testTenant, device)
	if err != nil {
		return "", false
	}
	return rec.BundleVersion, true
}

func (te *testEngine) outboxSubjects(t *testing.T) []string {
	t.Helper()
	rows, err := te.db.Query(`SELECT subject FROM outbox ORDER BY created_at`)
	require.NoError(t, err)
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		subjects = append(subjects, s)
	}
	require.NoError(t, rows.Err())
	return subjects
}
