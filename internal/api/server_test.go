package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/alerting"
	"signalbeam.sh/internal/config"
	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/desiredstate"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/resolver"
	"signalbeam.sh/internal/rollout"
	"signalbeam.sh/internal/testutil"
)

const testTenant = "tenant-1"

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.TestEngineConfig()
	store := rollout.NewStore(db)
	index := desiredstate.NewIndex(db)
	alerts := alerting.NewEngine(db)
	res := resolver.New(db)
	planner := rollout.NewPlanner(db, res, store, cfg)
	executor := rollout.NewExecutor(store, index, alerts, cfg, nil)
	return NewServer("127.0.0.1:0", db, planner, executor, store, index, alerts, nil, nil), db
}

func (s *Server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Tenant-ID", testTenant)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func seedFleet(t *testing.T, db *database.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := models.DeviceID(fmt.Sprintf("dev-%03d", i))
		testutil.SeedDevice(t, db, testTenant, id, []string{"env=prod"})
	}
	testutil.SeedBundleVersion(t, db, testTenant, "bundle-1", "1.0.0", "published")
	testutil.SeedBundleVersion(t, db, testTenant, "bundle-1", "2.0.0", "published")
}

func createRollout(t *testing.T, s *Server) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/rollouts", `{
		"name": "ship-2.0.0",
		"bundle_id": "bundle-1",
		"target_version": "2.0.0",
		"previous_version": "1.0.0",
		"selector": {"kind": "all_devices"},
		"phases": [
			{"name": "canary", "percentage": 50},
			{"name": "rest", "percentage": 100}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestTenantHeaderRequired(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rollouts", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-Tenant-ID")
}

func TestRolloutLifecycleOverHTTP(t *testing.T) {
	s, db := newTestServer(t)
	seedFleet(t, db, 4)
	id := createRollout(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/rollouts/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The canary phase covers the first half of the fleet; its devices
	// now see the new target.
	rec = s.do(t, http.MethodGet, "/agent/v1/devices/dev-000/desired-state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		DeviceID string `json:"deviceId"`
		BundleID string `json:"bundleId"`
		Version  string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "dev-000", doc.DeviceID)
	assert.Equal(t, "bundle-1", doc.BundleID)
	assert.Equal(t, "2.0.0", doc.Version)

	// A device outside the active phase has no desired state yet.
	rec = s.do(t, http.MethodGet, "/agent/v1/devices/dev-003/desired-state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"desiredState":null`)

	rec = s.do(t, http.MethodPost, "/agent/v1/devices/dev-000/report",
		`{"deviceId": "dev-000", "currentBundleId": "bundle-1", "currentVersion": "2.0.0", "deploymentStatus": "Succeeded"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/rollouts/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Progress struct {
			Succeeded int `json:"succeeded"`
			Total     int `json:"total"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 1, detail.Progress.Succeeded)
	assert.Equal(t, 4, detail.Progress.Total)

	rec = s.do(t, http.MethodGet, "/api/v1/rollouts/"+id+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event_type":"created"`)
}

func TestErrorStatusMapping(t *testing.T) {
	s, db := newTestServer(t)
	seedFleet(t, db, 4)

	// Invalid rollout ID.
	rec := s.do(t, http.MethodGet, "/api/v1/rollouts/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid but unknown ID.
	rec = s.do(t, http.MethodGet, "/api/v1/rollouts/6dfe6a89-8d2e-4c9b-9f3e-1d2a4b5c6d7e", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Pausing a rollout that was never started is a state conflict.
	id := createRollout(t, s)
	rec = s.do(t, http.MethodPost, "/api/v1/rollouts/"+id+"/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentReportValidatesStatus(t *testing.T) {
	s, db := newTestServer(t)
	seedFleet(t, db, 1)

	rec := s.do(t, http.MethodPost, "/agent/v1/devices/dev-000/report",
		`{"deploymentStatus": "exploded"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A body claiming to be another device is rejected.
	rec = s.do(t, http.MethodPost, "/agent/v1/devices/dev-000/report",
		`{"deviceId": "dev-007", "deploymentStatus": "Succeeded"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Pending is a legal observation even though it never moves an
	// assignment, and status casing is not significant.
	rec = s.do(t, http.MethodPost, "/agent/v1/devices/dev-000/report",
		`{"deploymentStatus": "Pending"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/agent/v1/devices/dev-000/report",
		`{"deploymentStatus": "reconciling", "timestamp": "2026-08-25T12:00:00Z"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestRegisterDeviceValidatesTags(t *testing.T) {
	s, _ := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/devices",
		`{"name": "edge-1", "tags": ["=broken"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid tag")

	rec = s.do(t, http.MethodPost, "/api/v1/devices",
		`{"name": "edge-1", "tags": ["env=prod", "canary"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A freshly registered device has never phoned home; listing must
	// not invent a last-seen time for it.
	rec = s.do(t, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Devices []struct {
			Name     string     `json:"name"`
			LastSeen *time.Time `json:"last_seen"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Devices, 1)
	assert.Equal(t, "edge-1", listing.Devices[0].Name)
	assert.Nil(t, listing.Devices[0].LastSeen)
}

func TestAgentRateLimit(t *testing.T) {
	s, db := newTestServer(t)
	seedFleet(t, db, 1)

	var rejected int
	start := time.Now()
	for i := 0; i < 12; i++ {
		rec := s.do(t, http.MethodGet, "/agent/v1/devices/dev-000/desired-state", "")
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if time.Since(start) > time.Second {
		t.Skip("environment too slow for a deterministic limiter window")
	}
	assert.GreaterOrEqual(t, rejected, 1)

	// Other devices are unaffected.
	testutil.SeedDevice(t, db, testTenant, "dev-fresh", nil)
	rec := s.do(t, http.MethodGet, "/agent/v1/devices/dev-fresh/desired-state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
