package store

import (
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// Match selects rides for the atomic conditional operations. Zero-valued
// fields match anything; the participant protocol fences every committing and
// aborting operation on both RideID and TransactionID so a retried commit or
// a late abort cannot touch an unrelated ride.
type Match struct {
	RideID        string
	TransactionID *string
	Locked        *bool
}

func (m Match) matches(r *ride.Ride) bool {
	if m.RideID != "" && r.RideID != m.RideID {
		return false
	}
	if m.TransactionID != nil && r.TransactionID != *m.TransactionID {
		return false
	}
	if m.Locked != nil && r.Locked != *m.Locked {
		return false
	}
	return true
}

// ListFilter narrows list queries on the read path.
type ListFilter struct {
	City    *ride.Region
	Status  *ride.Status
	MinFare *float64
	MaxFare *float64
}

func (f ListFilter) matches(r *ride.Ride) bool {
	if f.City != nil && r.City != *f.City {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.MinFare != nil && r.Fare < *f.MinFare {
		return false
	}
	if f.MaxFare != nil && r.Fare > *f.MaxFare {
		return false
	}
	return true
}

// FindOptions controls pagination of list queries. Results are always sorted
// by timestamp descending, newest first.
type FindOptions struct {
	Skip  int
	Limit int
}

// LockFields replaces the three transaction fields of a ride in one atomic
// update. An empty TransactionID clears the field; HandoffNone clears the
// handoff status.
type LockFields struct {
	Locked        bool
	TransactionID string
	HandoffStatus ride.HandoffStatus
}

// FieldSet is a partial update applied atomically under the store lock.
type FieldSet struct {
	Status          *ride.Status
	CurrentLocation *ride.Location
	EndLocation     *ride.Location
	Fare            *float64
	Timestamp       *time.Time
	Lock            *LockFields
}

func (fs FieldSet) apply(r *ride.Ride) {
	if fs.Status != nil {
		r.Status = *fs.Status
	}
	if fs.CurrentLocation != nil {
		r.CurrentLocation = *fs.CurrentLocation
	}
	if fs.EndLocation != nil {
		r.EndLocation = *fs.EndLocation
	}
	if fs.Fare != nil {
		r.Fare = ride.RoundFare(*fs.Fare)
	}
	if fs.Timestamp != nil {
		r.Timestamp = *fs.Timestamp
	}
	if fs.Lock != nil {
		r.Locked = fs.Lock.Locked
		r.TransactionID = fs.Lock.TransactionID
		r.HandoffStatus = fs.Lock.HandoffStatus
	}
}
