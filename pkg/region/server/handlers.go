// Package server exposes a regional participant over HTTP: ride CRUD, stats,
// health, the 2PC endpoints and a WebSocket change feed.
package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/region"
)

// Handlers holds the participant instance and provides HTTP handlers
type Handlers struct {
	participant *region.Participant
	metrics     *metrics.Collector
}

// NewHandlers creates a new Handlers instance
func NewHandlers(p *region.Participant, collector *metrics.Collector) *Handlers {
	return &Handlers{participant: p, metrics: collector}
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

type RideNotFoundError struct {
	ID string
}

func (e *RideNotFoundError) Error() string {
	return "ride not found: " + e.ID
}

type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
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
	case *RideNotFoundError:
		statusCode = http.StatusNotFound
		errorType = "NotFound"
		message = e.Error()
	case *ConflictError:
		statusCode = http.StatusConflict
		errorType = "Conflict"
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
