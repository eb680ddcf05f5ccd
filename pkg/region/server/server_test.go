package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/config"
	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

func newTestServer(t *testing.T, reg string) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultRegionConfig()
	cfg.Region = reg
	cfg.DataDir = ""
	cfg.EnableLogging = false

	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func rideBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"rideId":          id,
		"vehicleId":       "AV-100",
		"customerId":      "C-200",
		"status":          "IN_PROGRESS",
		"city":            "PHX",
		"fare":            25.00,
		"startLocation":   map[string]float64{"lat": 33.45, "lon": -112.07},
		"currentLocation": map[string]float64{"lat": 33.50, "lon": -112.00},
		"endLocation":     map[string]float64{"lat": 33.60, "lon": -111.90},
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeErrorEnvelope(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var envelope map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, false, envelope["ok"])
	return envelope
}

func TestCreateRideEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "PHX")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rides", rideBody("R-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, "R-1", created.RideID)

	// Duplicate id conflicts.
	resp = doJSON(t, http.MethodPost, ts.URL+"/rides", rideBody("R-1"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "Conflict", decodeErrorEnvelope(t, resp)["error"])

	// Bad fare is a validation error.
	bad := rideBody("R-2")
	bad["fare"] = 3.50
	resp = doJSON(t, http.MethodPost, ts.URL+"/rides", bad)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "Validation", decodeErrorEnvelope(t, resp)["error"])

	// Empty body is a bad request.
	resp = doJSON(t, http.MethodPost, ts.URL+"/rides", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "BadRequest", decodeErrorEnvelope(t, resp)["error"])
}

func TestGetUpdateDeleteRideEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "PHX")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rides", rideBody("R-1"))
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/rides/R-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/rides/R-404")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NotFound", decodeErrorEnvelope(t, resp)["error"])

	// Update with no fields.
	resp = doJSON(t, http.MethodPut, ts.URL+"/rides/R-1", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// A real update returns the after-image.
	resp = doJSON(t, http.MethodPut, ts.URL+"/rides/R-1", map[string]interface{}{"status": "COMPLETED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	resp.Body.Close()
	require.Equal(t, ride.StatusCompleted, updated.Status)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/rides/R-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListRidesEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "PHX")

	for i := 1; i <= 3; i++ {
		body := rideBody(fmt.Sprintf("R-%d", i))
		body["fare"] = 10.00 * float64(i)
		resp := doJSON(t, http.MethodPost, ts.URL+"/rides", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/rides?min_fare=15")
	require.NoError(t, err)
	var rides []*ride.Ride
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rides))
	resp.Body.Close()
	require.Len(t, rides, 2)

	resp, err = http.Get(ts.URL + "/rides?limit=1")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rides))
	resp.Body.Close()
	require.Len(t, rides, 1)

	resp, err = http.Get(ts.URL + "/rides?city=NYC")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/rides?skip=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "LA")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var h region.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, ride.RegionLA, h.Region)
	require.Equal(t, "la-store-1", h.Primary)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	var stats store.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, ride.RegionLA, stats.Region)
}

func TestTwoPhaseCommitEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "PHX")

	resp := doJSON(t, http.MethodPost, ts.URL+"/rides", rideBody("R-1"))
	resp.Body.Close()

	// Prepare votes COMMIT and returns the snapshot.
	resp = doJSON(t, http.MethodPost, ts.URL+"/2pc/prepare", region.PrepareRequest{
		RideID: "R-1", TxID: "tx-1", Operation: region.OpDelete,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var prep region.PrepareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prep))
	resp.Body.Close()
	require.Equal(t, "COMMIT", prep.Vote)
	require.NotNil(t, prep.RideData)

	// A refusal is still HTTP 200, the vote is the answer.
	resp = doJSON(t, http.MethodPost, ts.URL+"/2pc/prepare", region.PrepareRequest{
		RideID: "R-1", TxID: "tx-2", Operation: region.OpDelete,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prep))
	resp.Body.Close()
	require.Equal(t, "ABORT", prep.Vote)

	// Missing ids are a caller bug, not a vote.
	resp = doJSON(t, http.MethodPost, ts.URL+"/2pc/prepare", region.PrepareRequest{Operation: region.OpDelete})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/2pc/commit", region.CommitRequest{
		RideID: "R-1", TxID: "tx-1", Operation: region.OpDelete,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commit region.CommitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&commit))
	resp.Body.Close()
	require.Equal(t, "COMMITTED", commit.Status)
	require.NotNil(t, commit.DeletedCount)
	require.Equal(t, 1, *commit.DeletedCount)

	resp = doJSON(t, http.MethodPost, ts.URL+"/2pc/abort", region.AbortRequest{TxID: "tx-2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var abort region.AbortResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&abort))
	resp.Body.Close()
	require.Equal(t, "ABORTED", abort.Status)
}

func TestChangeFeedWebSocket(t *testing.T) {
	srv, ts := newTestServer(t, "PHX")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := client.DialFeed(ctx, ts.URL, nil)
	require.NoError(t, err)
	defer feed.Close()

	r := &ride.Ride{
		RideID:          "R-1",
		VehicleID:       "AV-100",
		CustomerID:      "C-200",
		Status:          ride.StatusInProgress,
		City:            ride.RegionPHX,
		Fare:            25.00,
		StartLocation:   ride.Location{Lat: 33.45, Lon: -112.07},
		CurrentLocation: ride.Location{Lat: 33.50, Lon: -112.00},
		EndLocation:     ride.Location{Lat: 33.60, Lon: -111.90},
	}
	require.NoError(t, srv.Participant().CreateRide(r))

	event, err := feed.Next()
	require.NoError(t, err)
	require.Equal(t, store.OpInsert, event.OperationType)
	require.Equal(t, "R-1", event.DocumentKey.RideID)
	require.NotNil(t, event.FullDocument)
	require.NotNil(t, feed.ResumeToken())

	// Updates carry the after-image because the feed subscribes with lookup.
	done := ride.StatusCompleted
	_, err = srv.Participant().UpdateRide("R-1", &ride.Update{Status: &done})
	require.NoError(t, err)

	event, err = feed.Next()
	require.NoError(t, err)
	require.Equal(t, store.OpUpdate, event.OperationType)
	require.NotNil(t, event.FullDocument)
	require.Equal(t, ride.StatusCompleted, event.FullDocument.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "PHX")

	resp, err := http.Get(ts.URL + "/_metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
