package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/sberrors"
)

func TestStatusTransitionMatrix(t *testing.T) {
	all := []Status{
		StatusPending, StatusInProgress, StatusPaused,
		StatusCompleted, StatusRolledBack, StatusFailed,
	}
	allowed := map[Status][]Status{
		StatusPending:    {StatusInProgress, StatusFailed},
		StatusInProgress: {StatusPaused, StatusCompleted, StatusRolledBack, StatusFailed},
		StatusPaused:     {StatusInProgress, StatusRolledBack, StatusFailed},
	}

	for _, from := range all {
		for _, to := range all {
			want := from == to
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionGuardRejectsTerminalMoves(t *testing.T) {
	te := newTestEngine(t)

	for _, from := range []Status{StatusCompleted, StatusRolledBack, StatusFailed} {
		err := te.executor.transition(&Rollout{Status: from}, StatusInProgress)
		require.Error(t, err, "from %s", from)
		assert.Equal(t, sberrors.ErrCodeConflict, sberrors.GetCode(err))
	}

	r := &Rollout{Status: StatusPending}
	require.NoError(t, te.executor.transition(r, StatusInProgress))
	assert.Equal(t, StatusInProgress, r.Status)
}
