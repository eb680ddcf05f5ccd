package region

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

func testRide(id string) *ride.Ride {
	return &ride.Ride{
		RideID:          id,
		VehicleID:       "AV-100",
		CustomerID:      "C-200",
		Status:          ride.StatusInProgress,
		City:            ride.RegionPHX,
		Fare:            30.00,
		StartLocation:   ride.Location{Lat: 33.45, Lon: -112.07},
		CurrentLocation: ride.Location{Lat: 33.50, Lon: -112.00},
		EndLocation:     ride.Location{Lat: 33.60, Lon: -111.90},
		Timestamp:       time.Now().UTC(),
	}
}

func newTestParticipant(t *testing.T, reg ride.Region) *Participant {
	t.Helper()
	s, err := store.Open(reg, "")
	require.NoError(t, err)
	p, err := NewParticipant(s, "")
	require.NoError(t, err)
	return p
}

func TestCreateRideClearsTransactionFields(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)

	r := testRide("R-1")
	r.Locked = true
	r.TransactionID = "tx-smuggled"
	r.HandoffStatus = ride.HandoffPrepared
	r.Timestamp = time.Time{}
	require.NoError(t, p.CreateRide(r))

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.False(t, got.Locked)
	require.Empty(t, got.TransactionID)
	require.Equal(t, ride.HandoffNone, got.HandoffStatus)
	require.False(t, got.Timestamp.IsZero())

	require.ErrorIs(t, p.CreateRide(testRide("R-1")), ErrRideExists)
}

func TestCreateRideValidates(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)

	r := testRide("R-1")
	r.Fare = 3.00
	require.Error(t, p.CreateRide(r))
}

func TestUpdateRide(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))

	_, err := p.UpdateRide("R-1", &ride.Update{})
	require.ErrorIs(t, err, ErrEmptyUpdate)

	done := ride.StatusCompleted
	after, err := p.UpdateRide("R-1", &ride.Update{Status: &done})
	require.NoError(t, err)
	require.Equal(t, ride.StatusCompleted, after.Status)

	_, err = p.UpdateRide("R-404", &ride.Update{Status: &done})
	require.ErrorIs(t, err, ErrRideNotFound)
}

func TestDeleteRide(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	require.NoError(t, p.DeleteRide("R-1"))
	require.ErrorIs(t, p.DeleteRide("R-1"), ErrRideNotFound)
}

func TestPrepareDeleteVotesCommitAndLocks(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))

	res := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteCommit, res.Vote)
	require.NotNil(t, res.Snapshot)
	// The snapshot is the pre-lock state.
	require.False(t, res.Snapshot.Locked)

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.True(t, got.Locked)
	require.Equal(t, "tx-1", got.TransactionID)
	require.Equal(t, ride.HandoffPreparing, got.HandoffStatus)

	rec, ok := p.Record("tx-1")
	require.True(t, ok)
	require.Equal(t, RecordPrepared, rec.State)
	require.Equal(t, OpDelete, rec.Operation)
}

func TestPrepareDeleteAbortReasons(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)

	res := p.Prepare(PrepareRequest{RideID: "R-404", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteAbort, res.Vote)
	require.Equal(t, "Ride R-404 not found in PHX", res.Reason)

	require.NoError(t, p.CreateRide(testRide("R-1")))
	res = p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteCommit, res.Vote)

	// A second transaction cannot take the lock.
	res = p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-2", Operation: OpDelete})
	require.Equal(t, VoteAbort, res.Vote)
	require.Equal(t, "Ride R-1 is locked by another transaction", res.Reason)
}

func TestPrepareIsIdempotent(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))

	first := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteCommit, first.Vote)

	// Same transaction retries the prepare and gets the same answer.
	second := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteCommit, second.Vote)
	require.NotNil(t, second.Snapshot)
}

func TestPrepareInsertConflict(t *testing.T) {
	p := newTestParticipant(t, ride.RegionLA)
	snapshot := testRide("R-1")

	res := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert, RideData: snapshot})
	require.Equal(t, VoteCommit, res.Vote)

	res = p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-2", Operation: OpInsert, RideData: snapshot})
	require.Equal(t, VoteAbort, res.Vote)
	require.Equal(t, "Ride R-1 already prepared by transaction tx-1", res.Reason)
}

func TestPrepareUnknownOperation(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	res := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: "UPSERT"})
	require.Equal(t, VoteAbort, res.Vote)
}

func TestCommitDeleteFencedOnTransaction(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})

	res, err := p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeletedCount)

	_, err = p.GetRide("R-1")
	require.ErrorIs(t, err, ErrRideNotFound)

	// A replayed commit deletes nothing and still succeeds.
	res, err = p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.NoError(t, err)
	require.Equal(t, 0, res.DeletedCount)

	rec, ok := p.Record("tx-1")
	require.True(t, ok)
	require.Equal(t, RecordCommitted, rec.State)
}

func TestCommitInsertWritesTransferredRide(t *testing.T) {
	p := newTestParticipant(t, ride.RegionLA)
	snapshot := testRide("R-1")
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert, RideData: snapshot})

	transferred := snapshot.Clone()
	transferred.City = ride.RegionLA
	transferred.HandoffStatus = ride.HandoffCompleted
	res, err := p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert, RideData: transferred})
	require.NoError(t, err)
	require.Equal(t, "R-1", res.InsertedID)

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.Equal(t, ride.RegionLA, got.City)
	require.Equal(t, ride.HandoffCompleted, got.HandoffStatus)

	// Replay hits the duplicate check and is treated as success.
	_, err = p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert, RideData: transferred})
	require.NoError(t, err)
}

func TestCommitInsertRecoveryRebuildsFromSnapshot(t *testing.T) {
	p := newTestParticipant(t, ride.RegionLA)
	snapshot := testRide("R-1")
	snapshot.Locked = true
	snapshot.TransactionID = "tx-1"
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert, RideData: snapshot})

	// A recovery replay carries no ride data; the cached prepare snapshot is
	// rebuilt into the committed form.
	res, err := p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: OpInsert})
	require.NoError(t, err)
	require.Equal(t, "R-1", res.InsertedID)

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.Equal(t, ride.RegionLA, got.City)
	require.Equal(t, ride.HandoffCompleted, got.HandoffStatus)
	require.False(t, got.Locked)
	require.Empty(t, got.TransactionID)
}

func TestCommitInsertWithoutPrepare(t *testing.T) {
	p := newTestParticipant(t, ride.RegionLA)
	_, err := p.Commit(CommitRequest{RideID: "R-1", TxID: "tx-404", Operation: OpInsert})
	require.Error(t, err)
}

func TestAbortReleasesLocks(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})

	p.Abort("tx-1")

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.False(t, got.Locked)
	require.Empty(t, got.TransactionID)
	require.Equal(t, ride.HandoffNone, got.HandoffStatus)

	rec, ok := p.Record("tx-1")
	require.True(t, ok)
	require.Equal(t, RecordAborted, rec.State)

	// Aborts are idempotent and ignore unknown transactions.
	p.Abort("tx-1")
	p.Abort("tx-404")
}

func TestAbortedTransactionCannotRePrepare(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	p.Abort("tx-1")

	res := p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.Equal(t, VoteAbort, res.Vote)
}

func TestSweepStale(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})

	// Nothing is older than an hour yet.
	require.Equal(t, 0, p.SweepStale(time.Hour))

	got, _ := p.GetRide("R-1")
	require.True(t, got.Locked)

	// With a zero grace everything prepared is stale.
	time.Sleep(2 * time.Millisecond)
	require.Equal(t, 1, p.SweepStale(0))

	got, err := p.GetRide("R-1")
	require.NoError(t, err)
	require.False(t, got.Locked)
}

func TestParticipantRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(ride.RegionPHX, dir)
	require.NoError(t, err)
	p, err := NewParticipant(s, dir)
	require.NoError(t, err)
	require.NoError(t, p.CreateRide(testRide("R-1")))
	p.Prepare(PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: OpDelete})
	require.NoError(t, p.Close())
	require.NoError(t, s.Close())

	s2, err := store.Open(ride.RegionPHX, dir)
	require.NoError(t, err)
	p2, err := NewParticipant(s2, dir)
	require.NoError(t, err)
	defer p2.Close()

	rec, ok := p2.Record("tx-1")
	require.True(t, ok)
	require.Equal(t, RecordPrepared, rec.State)
	require.NotNil(t, rec.RideData)
}

func TestHealth(t *testing.T) {
	p := newTestParticipant(t, ride.RegionPHX)
	h := p.Health()
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, ride.RegionPHX, h.Region)
	require.Equal(t, "phx-store-1", h.Primary)
	require.Equal(t, "connected", h.StoreStatus)
	require.Nil(t, h.LastWrite)

	require.NoError(t, p.CreateRide(testRide("R-1")))
	h = p.Health()
	require.NotNil(t, h.LastWrite)
}
