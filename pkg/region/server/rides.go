package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// CreateRide handles POST /rides
func (h *Handlers) CreateRide(w http.ResponseWriter, r *http.Request) {
	var doc ride.Ride
	if err := parseJSONBody(r, &doc); err != nil {
		writeError(w, err)
		return
	}

	if err := h.participant.CreateRide(&doc); err != nil {
		switch {
		case errors.Is(err, region.ErrRideExists):
			writeError(w, &ConflictError{Message: err.Error()})
		default:
			writeError(w, &ValidationError{Message: err.Error()})
		}
		return
	}

	h.metrics.RecordInsert()
	writeJSON(w, http.StatusCreated, &doc)
}

// GetRide handles GET /rides/{rideId}
func (h *Handlers) GetRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideId")

	doc, err := h.participant.GetRide(rideID)
	if err != nil {
		writeError(w, &RideNotFoundError{ID: rideID})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ListRides handles GET /rides with filter and pagination query parameters
func (h *Handlers) ListRides(w http.ResponseWriter, r *http.Request) {
	filter, skip, limit, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rides := h.participant.ListRides(filter, skip, limit)
	if rides == nil {
		rides = []*ride.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

// parseListQuery extracts the list filter and pagination from query params.
func parseListQuery(r *http.Request) (store.ListFilter, int, int, error) {
	var filter store.ListFilter
	q := r.URL.Query()

	if city := q.Get("city"); city != "" {
		parsed, err := ride.ParseRegion(city)
		if err != nil {
			return filter, 0, 0, &BadRequestError{Message: err.Error()}
		}
		filter.City = &parsed
	}
	if status := q.Get("status"); status != "" {
		st := ride.Status(status)
		if !st.Valid() {
			return filter, 0, 0, &BadRequestError{Message: "invalid status: " + status}
		}
		filter.Status = &st
	}
	if raw := q.Get("min_fare"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, 0, 0, &BadRequestError{Message: "invalid min_fare: " + raw}
		}
		filter.MinFare = &v
	}
	if raw := q.Get("max_fare"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, 0, 0, &BadRequestError{Message: "invalid max_fare: " + raw}
		}
		filter.MaxFare = &v
	}

	skip := 0
	if raw := q.Get("skip"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, 0, 0, &BadRequestError{Message: "invalid skip: " + raw}
		}
		skip = v
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, 0, 0, &BadRequestError{Message: "invalid limit: " + raw}
		}
		limit = v
	}

	return filter, skip, limit, nil
}

// UpdateRide handles PUT /rides/{rideId}
func (h *Handlers) UpdateRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideId")

	var upd ride.Update
	if err := parseJSONBody(r, &upd); err != nil {
		writeError(w, err)
		return
	}

	doc, err := h.participant.UpdateRide(rideID, &upd)
	if err != nil {
		switch {
		case errors.Is(err, region.ErrEmptyUpdate):
			writeError(w, &BadRequestError{Message: err.Error()})
		case errors.Is(err, region.ErrRideNotFound):
			writeError(w, &RideNotFoundError{ID: rideID})
		default:
			writeError(w, &ValidationError{Message: err.Error()})
		}
		return
	}

	h.metrics.RecordUpdate()
	writeJSON(w, http.StatusOK, doc)
}

// DeleteRide handles DELETE /rides/{rideId}
func (h *Handlers) DeleteRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideId")

	if err := h.participant.DeleteRide(rideID); err != nil {
		writeError(w, &RideNotFoundError{ID: rideID})
		return
	}

	h.metrics.RecordDelete()
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.participant.Stats())
}

// GetHealth handles GET /health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.participant.Health())
}
