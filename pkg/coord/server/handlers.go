// Package server exposes the coordinator over HTTP: handoffs, routed ride
// search, fleet-wide stats and health, and the transaction history.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ridemesh/ridemesh/pkg/coord"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// Handlers holds the coordinator components and provides HTTP handlers
type Handlers struct {
	coordinator *coord.Coordinator
	router      *coord.QueryRouter
	txlog       *txlog.Log

	// probeTimeout bounds the per-region calls behind /stats/all and
	// /health/all.
	probeTimeout time.Duration
}

// NewHandlers creates a new Handlers instance
func NewHandlers(c *coord.Coordinator, router *coord.QueryRouter, tl *txlog.Log, probeTimeout time.Duration) *Handlers {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Handlers{coordinator: c, router: router, txlog: tl, probeTimeout: probeTimeout}
}

// parseJSONBody parses JSON request body into target interface
func parseJSONBody(r *http.Request, target interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &BadRequestError{Message: "failed to read request body"}
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return &BadRequestError{Message: "request body is empty"}
	}

	if err := json.Unmarshal(body, target); err != nil {
		return &BadRequestError{Message: "invalid JSON: " + err.Error()}
	}

	return nil
}

// Error types for consistent error handling

type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return e.Message
}

// writeError writes an error response with appropriate HTTP status code
func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	var errorType string
	var message string

	switch e := err.(type) {
	case *BadRequestError:
		statusCode = http.StatusBadRequest
		errorType = "BadRequest"
		message = e.Message
	case *ValidationError:
		statusCode = http.StatusUnprocessableEntity
		errorType = "Validation"
		message = e.Message
	case *InternalError:
		statusCode = http.StatusInternalServerError
		errorType = "Internal"
		message = e.Message
	default:
		statusCode = http.StatusInternalServerError
		errorType = "Internal"
		message = err.Error()
	}

	response := map[string]interface{}{
		"ok":      false,
		"error":   errorType,
		"message": message,
		"code":    statusCode,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// HandoffRequest is the body of POST /handoff.
type HandoffRequest struct {
	RideID string `json:"ride_id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// HandoffResponse is the body of a handoff reply.
type HandoffResponse struct {
	Status    string  `json:"status"`
	TxID      string  `json:"tx_id"`
	Reason    string  `json:"reason,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Handoff handles POST /handoff
func (h *Handlers) Handoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if !ride.ValidRideID(req.RideID) {
		writeError(w, &ValidationError{Message: "ride_id must match R-<digits>"})
		return
	}
	source, err := ride.ParseRegion(req.Source)
	if err != nil {
		writeError(w, &ValidationError{Message: "source: " + err.Error()})
		return
	}
	target, err := ride.ParseRegion(req.Target)
	if err != nil {
		writeError(w, &ValidationError{Message: "target: " + err.Error()})
		return
	}
	if source == target {
		writeError(w, &ValidationError{Message: "source and target regions must differ"})
		return
	}

	result := h.coordinator.Handoff(r.Context(), req.RideID, source, target)
	writeJSON(w, http.StatusOK, HandoffResponse{
		Status:    result.Outcome.String(),
		TxID:      result.TxID,
		Reason:    result.Reason,
		LatencyMS: result.LatencyMS,
	})
}

// SearchRides handles POST /rides/search
func (h *Handlers) SearchRides(w http.ResponseWriter, r *http.Request) {
	var query coord.RideQuery
	if err := parseJSONBody(r, &query); err != nil {
		writeError(w, err)
		return
	}

	rides, err := h.router.Search(r.Context(), query)
	if err != nil {
		// Every router error is a caller problem: bad scope, missing city,
		// invalid filter values.
		writeError(w, &BadRequestError{Message: err.Error()})
		return
	}
	if rides == nil {
		rides = []*ride.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

// AllStats handles GET /stats/all: a scatter over every region's /stats.
// Unreachable regions map to null.
func (h *Handlers) AllStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*store.Stats, len(ride.Regions))
	for _, reg := range ride.Regions {
		cl := h.coordinator.Region(reg)
		if cl == nil {
			out[string(reg)] = nil
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.probeTimeout)
		stats, err := cl.Stats(ctx)
		cancel()
		if err != nil {
			out[string(reg)] = nil
			continue
		}
		out[string(reg)] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

// AllHealth handles GET /health/all: a live probe of every region.
func (h *Handlers) AllHealth(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{}, len(ride.Regions))
	for _, reg := range ride.Regions {
		cl := h.coordinator.Region(reg)
		if cl == nil {
			out[string(reg)] = map[string]string{"status": "unreachable", "error": "no endpoint configured"}
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.probeTimeout)
		health, err := cl.Health(ctx)
		cancel()
		if err != nil {
			out[string(reg)] = map[string]string{"status": "unreachable", "error": err.Error()}
			continue
		}
		out[string(reg)] = health
	}
	writeJSON(w, http.StatusOK, out)
}

// TransactionHistory handles GET /transactions/history?limit=
func (h *Handlers) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, &BadRequestError{Message: "invalid limit: " + raw})
			return
		}
		limit = v
	}

	records := h.txlog.Recent(limit)
	if records == nil {
		records = []*txlog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":        h.txlog.Len(),
		"transactions": records,
	})
}

// GetTransaction handles GET /transactions/{txId}
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	rec, err := h.txlog.Get(txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":      false,
			"error":   "NotFound",
			"message": err.Error(),
			"code":    http.StatusNotFound,
		})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
