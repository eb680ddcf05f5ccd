package server

import (
	"net/http"

	"github.com/ridemesh/ridemesh/pkg/region"
)

// Prepare handles POST /2pc/prepare. The response always carries a vote;
// protocol-level refusals are ABORT votes, not HTTP errors.
func (h *Handlers) Prepare(w http.ResponseWriter, r *http.Request) {
	var req region.PrepareRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RideID == "" || req.TxID == "" {
		writeError(w, &BadRequestError{Message: "ride_id and tx_id are required"})
		return
	}

	result := h.participant.Prepare(req)
	writeJSON(w, http.StatusOK, region.PrepareResponse{
		Vote:     result.Vote.String(),
		Reason:   result.Reason,
		RideData: result.Snapshot,
	})
}

// Commit handles POST /2pc/commit.
func (h *Handlers) Commit(w http.ResponseWriter, r *http.Request) {
	var req region.CommitRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RideID == "" || req.TxID == "" {
		writeError(w, &BadRequestError{Message: "ride_id and tx_id are required"})
		return
	}

	result, err := h.participant.Commit(req)
	if err != nil {
		writeError(w, &InternalError{Message: err.Error()})
		return
	}

	resp := region.CommitResponse{Status: "COMMITTED", InsertedID: result.InsertedID}
	if req.Operation == region.OpDelete {
		count := result.DeletedCount
		resp.DeletedCount = &count
	}
	writeJSON(w, http.StatusOK, resp)
}

// Abort handles POST /2pc/abort.
func (h *Handlers) Abort(w http.ResponseWriter, r *http.Request) {
	var req region.AbortRequest
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TxID == "" {
		writeError(w, &BadRequestError{Message: "tx_id is required"})
		return
	}

	h.participant.Abort(req.TxID)
	writeJSON(w, http.StatusOK, region.AbortResponse{Status: "ABORTED"})
}
