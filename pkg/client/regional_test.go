package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/region"
	regionserver "github.com/ridemesh/ridemesh/pkg/region/server"
	"github.com/ridemesh/ridemesh/pkg/ride"
)

func startTestRegion(t *testing.T) *Regional {
	t.Helper()
	cfg := config.DefaultRegionConfig()
	cfg.Region = "PHX"
	cfg.DataDir = ""
	cfg.EnableLogging = false

	srv, err := regionserver.New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return NewRegional(ts.URL)
}

func clientRide(id string) *ride.Ride {
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
		Timestamp:       time.Now().UTC(),
	}
}

func TestRegionalRideRoundTrip(t *testing.T) {
	c := startTestRegion(t)
	ctx := context.Background()

	created, err := c.CreateRide(ctx, clientRide("R-1"))
	require.NoError(t, err)
	require.Equal(t, "R-1", created.RideID)

	got, err := c.GetRide(ctx, "R-1")
	require.NoError(t, err)
	require.Equal(t, 25.00, got.Fare)

	phx := ride.RegionPHX
	rides, err := c.ListRides(ctx, ListQuery{City: &phx})
	require.NoError(t, err)
	require.Len(t, rides, 1)
}

func TestRegionalErrorMapping(t *testing.T) {
	c := startTestRegion(t)
	ctx := context.Background()

	_, err := c.GetRide(ctx, "R-404")
	require.ErrorIs(t, err, ErrNotFound)

	// A validation refusal decodes into the typed API error.
	bad := clientRide("R-1")
	bad.Fare = 3.00
	_, err = c.CreateRide(ctx, bad)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 422, apiErr.StatusCode)
	require.Equal(t, "Validation", apiErr.Type)
}

func TestRegionalTwoPhaseCalls(t *testing.T) {
	c := startTestRegion(t)
	ctx := context.Background()

	_, err := c.CreateRide(ctx, clientRide("R-1"))
	require.NoError(t, err)

	prep, err := c.Prepare(ctx, region.PrepareRequest{RideID: "R-1", TxID: "tx-1", Operation: region.OpDelete})
	require.NoError(t, err)
	require.Equal(t, "COMMIT", prep.Vote)
	require.NotNil(t, prep.RideData)

	commit, err := c.Commit(ctx, region.CommitRequest{RideID: "R-1", TxID: "tx-1", Operation: region.OpDelete})
	require.NoError(t, err)
	require.Equal(t, "COMMITTED", commit.Status)

	require.NoError(t, c.Abort(ctx, "tx-never-prepared"))

	h, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, ride.RegionPHX, stats.Region)
}
