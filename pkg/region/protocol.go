package region

import (
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// Op is the participant-side operation a transaction asks for.
type Op string

const (
	OpInsert Op = "INSERT"
	OpDelete Op = "DELETE"
)

// Valid reports whether the operation is known.
func (o Op) Valid() bool {
	return o == OpInsert || o == OpDelete
}

// Vote is a participant's answer to a prepare request. Only the wire form is
// a string.
type Vote int

const (
	VoteAbort Vote = iota
	VoteCommit
)

// String returns the wire form of the vote.
func (v Vote) String() string {
	if v == VoteCommit {
		return "COMMIT"
	}
	return "ABORT"
}

// PrepareRequest asks a participant to vote on a transaction step. For
// INSERT prepares the coordinator attaches the source snapshot so the
// participant can cache it for recovery replays.
type PrepareRequest struct {
	RideID    string     `json:"ride_id"`
	TxID      string     `json:"tx_id"`
	Operation Op         `json:"operation"`
	RideData  *ride.Ride `json:"ride_data,omitempty"`
}

// PrepareResponse carries the vote and, for DELETE prepares that vote
// COMMIT, the ride snapshot taken before locking.
type PrepareResponse struct {
	Vote     string     `json:"vote"`
	Reason   string     `json:"reason,omitempty"`
	RideData *ride.Ride `json:"ride_data,omitempty"`
}

// CommitRequest applies the prepared operation. RideData may be nil on
// recovery replays; the participant then falls back to its cached snapshot.
type CommitRequest struct {
	RideID    string     `json:"ride_id"`
	TxID      string     `json:"tx_id"`
	Operation Op         `json:"operation"`
	RideData  *ride.Ride `json:"ride_data,omitempty"`
}

// CommitResponse reports the applied commit.
type CommitResponse struct {
	Status       string `json:"status"`
	DeletedCount *int   `json:"deleted_count,omitempty"`
	InsertedID   string `json:"inserted_id,omitempty"`
}

// AbortRequest releases all participant state held for a transaction.
type AbortRequest struct {
	TxID string `json:"tx_id"`
}

// AbortResponse acknowledges an abort.
type AbortResponse struct {
	Status string `json:"status"`
}

// Health is the regional health probe payload. The mongodb_* field names are
// kept wire-compatible with earlier deployments; the values describe the
// embedded store.
type Health struct {
	Status           string      `json:"status"`
	Region           ride.Region `json:"region"`
	Primary          string      `json:"mongodb_primary"`
	StoreStatus      string      `json:"mongodb_status"`
	ReplicationLagMS *int        `json:"replication_lag_ms,omitempty"`
	LastWrite        *time.Time  `json:"last_write,omitempty"`
	UptimeSeconds    float64     `json:"uptime_seconds"`
}
