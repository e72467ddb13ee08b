package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/testutil"
)

func staticCheck(s Status) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: s}
	}
}

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker("test")
	c.Register("a", staticCheck(StatusHealthy))
	c.Register("b", staticCheck(StatusDegraded))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Checks, 2)

	c.Register("c", staticCheck(StatusUnhealthy))
	report = c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestEmptyCheckerIsHealthy(t *testing.T) {
	report := NewChecker("test").Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "test", report.Version)
}

func TestDatabaseCheck(t *testing.T) {
	db := testutil.NewDB(t)
	check := DatabaseCheck(db)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	require.NoError(t, db.Close())
	check = DatabaseCheck(db)(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}
