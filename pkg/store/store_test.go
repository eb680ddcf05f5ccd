package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

func testRide(id string, ts time.Time) *ride.Ride {
	return &ride.Ride{
		RideID:          id,
		VehicleID:       "AV-100",
		CustomerID:      "C-200",
		Status:          ride.StatusInProgress,
		City:            ride.RegionPHX,
		Fare:            25.00,
		StartLocation:   ride.Location{Lat: 33.45, Lon: -112.07},
		CurrentLocation: ride.Location{Lat: 33.50, Lon: -112.00},
		EndLocation:     ride.Location{Lat: 33.60, Lon: -111.90},
		Timestamp:       ts,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(ride.RegionPHX, "")
	require.NoError(t, err)
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)

	r := testRide("R-1", time.Now().UTC())
	require.NoError(t, s.Insert(r))

	got, ok := s.Get("R-1")
	require.True(t, ok)
	require.Equal(t, "R-1", got.RideID)
	require.Equal(t, 25.00, got.Fare)

	// Returned documents are copies.
	got.Fare = 99.0
	again, _ := s.Get("R-1")
	require.Equal(t, 25.00, again.Fare)

	_, ok = s.Get("R-404")
	require.False(t, ok)
}

func TestInsertDuplicate(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Insert(testRide("R-1", time.Now().UTC())))
	err := s.Insert(testRide("R-1", time.Now().UTC()))
	require.ErrorIs(t, err, ErrDuplicateRide)
	require.Equal(t, 1, s.Count())
}

func TestUpsert(t *testing.T) {
	s := openTestStore(t)

	r := testRide("R-1", time.Now().UTC())
	require.NoError(t, s.Upsert(r))
	require.Equal(t, 1, s.Count())

	r.Fare = 40.00
	require.NoError(t, s.Upsert(r))
	require.Equal(t, 1, s.Count())

	got, _ := s.Get("R-1")
	require.Equal(t, 40.00, got.Fare)
}

func TestUpdateFencedOnTransaction(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(testRide("R-1", time.Now().UTC())))

	// Lock the ride for tx-a.
	unlocked := false
	matched := s.Update(
		Match{RideID: "R-1", Locked: &unlocked},
		FieldSet{Lock: &LockFields{Locked: true, TransactionID: "tx-a", HandoffStatus: ride.HandoffPreparing}},
	)
	require.Equal(t, 1, matched)

	// A second conditional lock for tx-b must not match.
	matched = s.Update(
		Match{RideID: "R-1", Locked: &unlocked},
		FieldSet{Lock: &LockFields{Locked: true, TransactionID: "tx-b", HandoffStatus: ride.HandoffPreparing}},
	)
	require.Equal(t, 0, matched)

	got, _ := s.Get("R-1")
	require.True(t, got.Locked)
	require.Equal(t, "tx-a", got.TransactionID)
}

func TestDeleteFencedOnTransaction(t *testing.T) {
	s := openTestStore(t)
	r := testRide("R-1", time.Now().UTC())
	r.Locked = true
	r.TransactionID = "tx-a"
	require.NoError(t, s.Insert(r))

	wrong := "tx-b"
	require.Equal(t, 0, s.Delete(Match{RideID: "R-1", TransactionID: &wrong}))

	right := "tx-a"
	require.Equal(t, 1, s.Delete(Match{RideID: "R-1", TransactionID: &right}))
	require.Equal(t, 0, s.Count())
}

func TestGetAndUpdate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(testRide("R-1", time.Now().UTC())))

	fare := 55.555
	after, ok := s.GetAndUpdate(Match{RideID: "R-1"}, FieldSet{Fare: &fare})
	require.True(t, ok)
	require.Equal(t, 55.56, after.Fare)

	_, ok = s.GetAndUpdate(Match{RideID: "R-404"}, FieldSet{Fare: &fare})
	require.False(t, ok)
}

func TestListSortAndPagination(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(testRide("R-1", base.Add(1*time.Minute))))
	require.NoError(t, s.Insert(testRide("R-2", base.Add(3*time.Minute))))
	require.NoError(t, s.Insert(testRide("R-3", base.Add(2*time.Minute))))
	// Same timestamp as R-3: the tie breaks on rideId descending.
	require.NoError(t, s.Insert(testRide("R-9", base.Add(2*time.Minute))))

	all := s.List(ListFilter{}, FindOptions{})
	require.Len(t, all, 4)
	require.Equal(t, "R-2", all[0].RideID)
	require.Equal(t, "R-9", all[1].RideID)
	require.Equal(t, "R-3", all[2].RideID)
	require.Equal(t, "R-1", all[3].RideID)

	page := s.List(ListFilter{}, FindOptions{Skip: 1, Limit: 2})
	require.Len(t, page, 2)
	require.Equal(t, "R-9", page[0].RideID)
	require.Equal(t, "R-3", page[1].RideID)

	require.Empty(t, s.List(ListFilter{}, FindOptions{Skip: 10}))
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	r1 := testRide("R-1", now)
	r1.Fare = 10.00
	r2 := testRide("R-2", now.Add(time.Second))
	r2.Fare = 50.00
	r2.Status = ride.StatusCompleted
	require.NoError(t, s.Insert(r1))
	require.NoError(t, s.Insert(r2))

	completed := ride.StatusCompleted
	out := s.List(ListFilter{Status: &completed}, FindOptions{})
	require.Len(t, out, 1)
	require.Equal(t, "R-2", out[0].RideID)

	min := 20.0
	out = s.List(ListFilter{MinFare: &min}, FindOptions{})
	require.Len(t, out, 1)
	require.Equal(t, "R-2", out[0].RideID)

	max := 20.0
	out = s.List(ListFilter{MaxFare: &max}, FindOptions{})
	require.Len(t, out, 1)
	require.Equal(t, "R-1", out[0].RideID)

	la := ride.RegionLA
	require.Empty(t, s.List(ListFilter{City: &la}, FindOptions{}))
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	r1 := testRide("R-1", now)
	r1.Fare = 10.00
	r2 := testRide("R-2", now)
	r2.Fare = 20.00
	r2.Status = ride.StatusCompleted
	r3 := testRide("R-3", now)
	r3.Fare = 15.00
	r3.Status = ride.StatusCancelled
	require.NoError(t, s.Insert(r1))
	require.NoError(t, s.Insert(r2))
	require.NoError(t, s.Insert(r3))

	stats := s.Stats()
	require.Equal(t, ride.RegionPHX, stats.Region)
	require.Equal(t, 3, stats.TotalRides)
	require.Equal(t, 1, stats.ActiveRides)
	require.Equal(t, 1, stats.CompletedRides)
	require.Equal(t, 1, stats.CancelledRides)
	require.Equal(t, 45.00, stats.TotalRevenue)
	require.Equal(t, 15.00, stats.AvgFare)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(ride.RegionPHX, dir)
	require.NoError(t, err)
	require.NoError(t, s.Insert(testRide("R-1", time.Now().UTC())))
	require.NoError(t, s.Insert(testRide("R-2", time.Now().UTC())))
	require.NoError(t, s.Close())

	reopened, err := Open(ride.RegionPHX, dir)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Count())

	got, ok := reopened.Get("R-1")
	require.True(t, ok)
	require.Equal(t, "AV-100", got.VehicleID)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Insert(testRide("R-1", time.Now().UTC())), ErrClosed)
	require.ErrorIs(t, s.Upsert(testRide("R-1", time.Now().UTC())), ErrClosed)
}
