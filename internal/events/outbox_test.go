package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbeam.sh/internal/database"
	"signalbeam.sh/internal/models"
	"signalbeam.sh/internal/testutil"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	failOn   string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject == p.failOn {
		return errors.New("bus unavailable")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func stage(t *testing.T, db *database.DB, subjects ...string) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx *database.Tx) error {
		for _, s := range subjects {
			evt, err := New(s, RolloutEvent{RolloutID: models.RolloutID("r-1"), Status: "in_progress"})
			if err != nil {
				return err
			}
			if err := InsertTx(context.Background(), tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDrainPublishesInOrder(t *testing.T) {
	db := testutil.NewDB(t)
	pub := &fakePublisher{}
	relay := NewRelay(db, pub, 0)

	stage(t, db, SubjectRolloutCreated, SubjectRolloutStarted, SubjectRolloutCompleted)

	n, err := relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{
		SubjectRolloutCreated,
		SubjectRolloutStarted,
		SubjectRolloutCompleted,
	}, pub.subjects)

	pending, err := relay.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	// Already published rows are not re-delivered.
	n, err = relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	db := testutil.NewDB(t)
	pub := &fakePublisher{failOn: SubjectRolloutStarted}
	relay := NewRelay(db, pub, 0)

	stage(t, db, SubjectRolloutCreated, SubjectRolloutStarted, SubjectRolloutCompleted)

	n, err := relay.DrainOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{SubjectRolloutCreated}, pub.subjects)

	// The failed event and everything behind it stay pending, so order
	// survives the retry.
	pending, err := relay.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	pub.failOn = ""
	n, err = relay.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		SubjectRolloutCreated,
		SubjectRolloutStarted,
		SubjectRolloutCompleted,
	}, pub.subjects)
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	_, err := New(SubjectRolloutCreated, make(chan int))
	require.Error(t, err)
}
