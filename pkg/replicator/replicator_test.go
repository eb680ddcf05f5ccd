package replicator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	regionserver "github.com/ridemesh/ridemesh/pkg/region/server"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

func startRegion(t *testing.T, reg string) (*regionserver.Server, *client.Regional) {
	t.Helper()
	cfg := config.DefaultRegionConfig()
	cfg.Region = reg
	cfg.DataDir = ""
	cfg.EnableLogging = false

	srv, err := regionserver.New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, client.NewRegional(ts.URL)
}

func replRide(id string, city ride.Region) *ride.Ride {
	return &ride.Ride{
		RideID:          id,
		VehicleID:       "AV-100",
		CustomerID:      "C-200",
		Status:          ride.StatusInProgress,
		City:            city,
		Fare:            25.00,
		StartLocation:   ride.Location{Lat: 33.45, Lon: -112.07},
		CurrentLocation: ride.Location{Lat: 33.50, Lon: -112.00},
		EndLocation:     ride.Location{Lat: 33.60, Lon: -111.90},
		Timestamp:       time.Now().UTC(),
	}
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("initial+stream")
	require.NoError(t, err)
	require.Equal(t, ModeInitialStream, mode)

	mode, err = ParseMode("stream_only")
	require.NoError(t, err)
	require.Equal(t, ModeStreamOnly, mode)

	_, err = ParseMode("catchup")
	require.Error(t, err)
}

func TestInitialSyncSeedsGlobal(t *testing.T) {
	phx, phxClient := startRegion(t, "PHX")
	la, laClient := startRegion(t, "LA")
	require.NoError(t, phx.Participant().CreateRide(replRide("R-1", ride.RegionPHX)))
	require.NoError(t, phx.Participant().CreateRide(replRide("R-2", ride.RegionPHX)))
	require.NoError(t, la.Participant().CreateRide(replRide("R-3", ride.RegionLA)))

	global, err := store.Open(ride.RegionGlobal, "")
	require.NoError(t, err)

	clients := map[ride.Region]*client.Regional{
		ride.RegionPHX: phxClient,
		ride.RegionLA:  laClient,
	}
	r := New(clients, global, metrics.NewCollector(), ModeInitialStream, false)

	require.NoError(t, r.InitialSync(context.Background()))
	require.Equal(t, 3, global.Count())

	got, ok := global.Get("R-3")
	require.True(t, ok)
	require.Equal(t, ride.RegionLA, got.City)
}

func TestStreamConvergence(t *testing.T) {
	phx, phxClient := startRegion(t, "PHX")
	require.NoError(t, phx.Participant().CreateRide(replRide("R-1", ride.RegionPHX)))

	global, err := store.Open(ride.RegionGlobal, "")
	require.NoError(t, err)

	clients := map[ride.Region]*client.Regional{ride.RegionPHX: phxClient}
	r := New(clients, global, metrics.NewCollector(), ModeInitialStream, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// The pre-existing ride arrives through the initial sync.
	require.Eventually(t, func() bool {
		_, ok := global.Get("R-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Give the stream a moment to subscribe before mutating.
	time.Sleep(300 * time.Millisecond)

	// A new ride arrives through the stream.
	require.NoError(t, phx.Participant().CreateRide(replRide("R-2", ride.RegionPHX)))
	require.Eventually(t, func() bool {
		_, ok := global.Get("R-2")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Updates converge to the after-image.
	done := ride.StatusCompleted
	_, err = phx.Participant().UpdateRide("R-2", &ride.Update{Status: &done})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := global.Get("R-2")
		return ok && got.Status == ride.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Deletes converge to absence.
	require.NoError(t, phx.Participant().DeleteRide("R-1"))
	require.Eventually(t, func() bool {
		_, ok := global.Get("R-1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamOnlySkipsSeed(t *testing.T) {
	phx, phxClient := startRegion(t, "PHX")
	require.NoError(t, phx.Participant().CreateRide(replRide("R-1", ride.RegionPHX)))

	global, err := store.Open(ride.RegionGlobal, "")
	require.NoError(t, err)

	clients := map[ride.Region]*client.Regional{ride.RegionPHX: phxClient}
	r := New(clients, global, metrics.NewCollector(), ModeStreamOnly, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	time.Sleep(300 * time.Millisecond)

	// Only changes after the subscription show up.
	require.NoError(t, phx.Participant().CreateRide(replRide("R-2", ride.RegionPHX)))
	require.Eventually(t, func() bool {
		_, ok := global.Get("R-2")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := global.Get("R-1")
	require.False(t, ok)
}

func TestApplyDuplicateInsertIsSilent(t *testing.T) {
	global, err := store.Open(ride.RegionGlobal, "")
	require.NoError(t, err)

	doc := replRide("R-1", ride.RegionPHX)
	require.NoError(t, global.Insert(doc))

	r := New(nil, global, metrics.NewCollector(), ModeStreamOnly, false)
	event := &store.ChangeEvent{
		OperationType: store.OpInsert,
		DocumentKey:   store.DocumentKey{RideID: "R-1"},
		FullDocument:  doc,
	}

	// A replayed insert for a ride the replica already holds is dropped
	// without error.
	r.apply(ride.RegionPHX, event)
	require.Equal(t, 1, global.Count())

	// Insert events with no document are skipped too.
	r.apply(ride.RegionPHX, &store.ChangeEvent{OperationType: store.OpInsert, DocumentKey: store.DocumentKey{RideID: "R-9"}})
	require.Equal(t, 1, global.Count())
}
