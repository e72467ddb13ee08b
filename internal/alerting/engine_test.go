package alerting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/sberrors"
	"signalbeam.sh/internal/testutil"
)

const tenant = models.TenantID("tenant-1")

func stallSignal() Signal {
	return Signal{
		TenantID:    tenant,
		Severity:    SeverityWarning,
		Type:        TypeRolloutStalled,
		Title:       "Rollout stuck",
		Description: "phase 2 in progress for 25h",
		RolloutID:   "r-1",
	}
}

func TestRaiseDeduplicates(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))
	ctx := context.Background()

	first, err := e.Raise(ctx, stallSignal())
	require.NoError(t, err)
	assert.Equal(t, StatusActive, first.Status)

	// The same condition again refreshes instead of duplicating.
	sig := stallSignal()
	sig.Description = "phase 2 in progress for 26h"
	second, err := e.Raise(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "phase 2 in progress for 26h", second.Description)
	assert.False(t, second.LastSeenAt.Before(first.LastSeenAt))

	alerts, err := e.List(ctx, tenant, StatusActive)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestDedupKeyIncludesDevice(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))
	ctx := context.Background()

	sig := stallSignal()
	sig.DeviceID = "dev-1"
	_, err := e.Raise(ctx, sig)
	require.NoError(t, err)

	sig.DeviceID = "dev-2"
	_, err = e.Raise(ctx, sig)
	require.NoError(t, err)

	// Different type is a different alert too.
	other := stallSignal()
	other.Type = TypeHighFailureRate
	_, err = e.Raise(ctx, other)
	require.NoError(t, err)

	alerts, err := e.List(ctx, tenant, StatusActive)
	require.NoError(t, err)
	assert.Len(t, alerts, 3)
}

func TestLifecycle(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))
	ctx := context.Background()

	a, err := e.Raise(ctx, stallSignal())
	require.NoError(t, err)

	require.NoError(t, e.Acknowledge(ctx, tenant, a.ID, "oncall"))

	// Acknowledged alerts no longer match the active dedup key, but
	// they are not resolved either.
	alerts, err := e.List(ctx, tenant, StatusAcknowledged)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "oncall", alerts[0].AcknowledgedBy)

	// Double-acknowledge fails: the alert is no longer active.
	err = e.Acknowledge(ctx, tenant, a.ID, "oncall")
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeNotFound, sberrors.GetCode(err))

	require.NoError(t, e.Resolve(ctx, tenant, a.ID))
	alerts, err = e.List(ctx, tenant, StatusResolved)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotNil(t, alerts[0].ResolvedAt)

	// Resolution is terminal; the same signal now opens a fresh alert.
	fresh, err := e.Raise(ctx, stallSignal())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)
	assert.Equal(t, StatusActive, fresh.Status)
}

func TestResolveUnknownAlert(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))
	err := e.Resolve(context.Background(), tenant, "missing")
	require.Error(t, err)
	assert.Equal(t, sberrors.ErrCodeNotFound, sberrors.GetCode(err))
}

func TestRaiseStagesEvent(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))
	_, err := e.Raise(context.Background(), stallSignal())
	require.NoError(t, err)

	var subject string
	require.NoError(t, e.db.QueryRow(`SELECT subject FROM outbox`).Scan(&subject))
	assert.Equal(t, "alert.raised", subject)
}
