// Package client provides the typed HTTP client for regional participant
// servers, plus a WebSocket subscriber for their change feeds. The
// coordinator and the change replicator both talk to regions through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// ErrNotFound is returned when the server answers 404 for a ride.
var ErrNotFound = errors.New("ride not found")

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Type       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
}

// Regional is an HTTP client for one regional participant server. Per-call
// deadlines come from the caller's context; the client itself sets no overall
// timeout.
type Regional struct {
	baseURL    string
	httpClient *http.Client
}

// NewRegional creates a client for the participant at baseURL.
func NewRegional(baseURL string) *Regional {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Regional{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the participant's base URL.
func (c *Regional) BaseURL() string {
	return c.baseURL
}

// do performs a request and decodes a 2xx JSON body into out (when non-nil).
// Non-2xx responses are returned as *APIError.
func (c *Regional) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = string(respBody)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Health fetches GET /health.
func (c *Regional) Health(ctx context.Context) (*region.Health, error) {
	var h region.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats fetches GET /stats.
func (c *Regional) Stats(ctx context.Context) (*store.Stats, error) {
	var s store.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetRide fetches one ride by id.
func (c *Regional) GetRide(ctx context.Context, rideID string) (*ride.Ride, error) {
	var r ride.Ride
	if err := c.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRide creates a ride on the participant.
func (c *Regional) CreateRide(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	var created ride.Ride
	if err := c.do(ctx, http.MethodPost, "/rides", r, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListQuery carries the filter and pagination for ListRides.
type ListQuery struct {
	City    *ride.Region
	Status  *ride.Status
	MinFare *float64
	MaxFare *float64
	Skip    int
	Limit   int
}

// ListRides fetches rides matching the query, newest first.
func (c *Regional) ListRides(ctx context.Context, q ListQuery) ([]*ride.Ride, error) {
	values := url.Values{}
	if q.City != nil {
		values.Set("city", string(*q.City))
	}
	if q.Status != nil {
		values.Set("status", string(*q.Status))
	}
	if q.MinFare != nil {
		values.Set("min_fare", strconv.FormatFloat(*q.MinFare, 'f', -1, 64))
	}
	if q.MaxFare != nil {
		values.Set("max_fare", strconv.FormatFloat(*q.MaxFare, 'f', -1, 64))
	}
	if q.Skip > 0 {
		values.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/rides"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var rides []*ride.Ride
	if err := c.do(ctx, http.MethodGet, path, nil, &rides); err != nil {
		return nil, err
	}
	return rides, nil
}

// Prepare sends POST /2pc/prepare.
func (c *Regional) Prepare(ctx context.Context, req region.PrepareRequest) (*region.PrepareResponse, error) {
	var resp region.PrepareResponse
	if err := c.do(ctx, http.MethodPost, "/2pc/prepare", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit sends POST /2pc/commit.
func (c *Regional) Commit(ctx context.Context, req region.CommitRequest) (*region.CommitResponse, error) {
	var resp region.CommitResponse
	if err := c.do(ctx, http.MethodPost, "/2pc/commit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort sends POST /2pc/abort.
func (c *Regional) Abort(ctx context.Context, txID string) error {
	var resp region.AbortResponse
	return c.do(ctx, http.MethodPost, "/2pc/abort", region.AbortRequest{TxID: txID}, &resp)
}
