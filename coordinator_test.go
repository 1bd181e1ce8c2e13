package stm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCoordinator is a minimal ambient two-phase-commit driver good enough
// to exercise the Participant protocol: it just remembers the single
// Participant enlisted with it and lets the test call Prepare/Commit/
// Rollback on it directly, the way a real external coordinator would.
type fakeCoordinator struct {
	participant Participant
}

func (c *fakeCoordinator) Enlist(p Participant) error {
	c.participant = p
	return nil
}

// TestExternalCoordinatorRollback is scenario S7: with an ambient
// coordinator enlisted, Commit on the STM transaction only marks it
// Prepared-Pending; publication is deferred until the coordinator itself
// calls Commit on the Participant. Here the coordinator rolls back
// instead, so the writes must never become visible.
func TestExternalCoordinatorRollback(t *testing.T) {
	a := MustAllocate(0)
	b := MustAllocate(0)

	coord := &fakeCoordinator{}
	txn, err := Begin(nil)
	require.NoError(t, err)
	require.NoError(t, txn.Enlist(coord))

	require.NoError(t, a.Set(txn, 10))
	require.NoError(t, b.Set(txn, 20))

	require.NoError(t, txn.Commit())
	require.Equal(t, StatePreparedPending, txn.State())

	require.NoError(t, coord.participant.Rollback(context.Background()))

	av, _ := a.ReadWithoutOpening()
	bv, _ := b.ReadWithoutOpening()
	require.Equal(t, 0, av)
	require.Equal(t, 0, bv)
	require.Equal(t, StateAborted, txn.State())
}

// TestExternalCoordinatorCommit exercises the happy path: Prepare then
// Commit on the Participant publishes exactly as a direct commit would.
func TestExternalCoordinatorCommit(t *testing.T) {
	a := MustAllocate(0)

	coord := &fakeCoordinator{}
	txn, err := Begin(nil)
	require.NoError(t, err)
	require.NoError(t, txn.Enlist(coord))
	require.NoError(t, a.Set(txn, 5))
	require.NoError(t, txn.Commit())

	before := globalClock.load()
	ctx := context.Background()
	require.NoError(t, coord.participant.Prepare(ctx))
	require.Equal(t, StateCommitting, txn.State())
	require.NoError(t, coord.participant.Commit(ctx))
	require.Equal(t, StateCommitted, txn.State())

	av, ver := a.ReadWithoutOpening()
	require.Equal(t, 5, av)
	require.Equal(t, before+1, ver)
}
