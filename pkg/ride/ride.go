// Package ride defines the ride document model shared by the regional
// participants, the handoff coordinator and the change replicator.
package ride

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// Region identifies one of the two regional shards.
type Region string

const (
	RegionPHX Region = "PHX"
	RegionLA  Region = "LA"

	// RegionGlobal names the read-only aggregation replica. It is not a
	// valid city value on ride documents.
	RegionGlobal Region = "GLOBAL"
)

// Regions lists all regional shards in a stable order.
var Regions = []Region{RegionPHX, RegionLA}

// Valid reports whether the region is one of the known shards.
func (r Region) Valid() bool {
	return r == RegionPHX || r == RegionLA
}

// ParseRegion converts a wire string into a Region.
func ParseRegion(s string) (Region, error) {
	r := Region(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid region %q: must be one of PHX, LA", s)
	}
	return r, nil
}

// Status represents the lifecycle state of a ride.
type Status string

const (
	StatusCompleted  Status = "COMPLETED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether the status is one of the known ride states.
func (s Status) Valid() bool {
	return s == StatusCompleted || s == StatusInProgress || s == StatusCancelled
}

// HandoffStatus tracks a ride's position inside a cross-region transaction.
// The empty value means the ride is not part of any handoff.
type HandoffStatus string

const (
	HandoffNone      HandoffStatus = ""
	HandoffPreparing HandoffStatus = "PREPARING"
	HandoffPrepared  HandoffStatus = "PREPARED"
	HandoffCommitted HandoffStatus = "COMMITTED"
	HandoffCompleted HandoffStatus = "COMPLETED"
	HandoffAborted   HandoffStatus = "ABORTED"
)

// Location is a GPS coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks that the coordinates are within valid bounds.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", l.Lon)
	}
	return nil
}

var (
	rideIDPattern     = regexp.MustCompile(`^R-\d+$`)
	vehicleIDPattern  = regexp.MustCompile(`^AV-\d+$`)
	customerIDPattern = regexp.MustCompile(`^C-\d+$`)
)

// ValidRideID reports whether id matches the R-<digits> format.
func ValidRideID(id string) bool { return rideIDPattern.MatchString(id) }

// Ride is a single ride document. It is owned by exactly one regional shard
// at any time outside of an in-flight handoff.
type Ride struct {
	RideID          string        `json:"rideId"`
	VehicleID       string        `json:"vehicleId"`
	CustomerID      string        `json:"customerId"`
	Status          Status        `json:"status"`
	City            Region        `json:"city"`
	Fare            float64       `json:"fare"`
	StartLocation   Location      `json:"startLocation"`
	CurrentLocation Location      `json:"currentLocation"`
	EndLocation     Location      `json:"endLocation"`
	Timestamp       time.Time     `json:"timestamp"`
	HandoffStatus   HandoffStatus `json:"handoff_status,omitempty"`
	Locked          bool          `json:"locked"`
	TransactionID   string        `json:"transaction_id,omitempty"`
}

// RoundFare rounds a fare to two decimal places.
func RoundFare(f float64) float64 {
	return math.Round(f*100) / 100
}

// validateFare enforces the fare bounds plus the business minimum: a fare of
// exactly zero is allowed, any other fare must be at least 5.00.
func validateFare(f float64) error {
	if f < 0 || f > 1000 {
		return fmt.Errorf("fare %v out of range [0, 1000]", f)
	}
	if f > 0 && f < 5.0 {
		return fmt.Errorf("fare must be at least $5.00, got %v", f)
	}
	return nil
}

// Validate checks all ride fields. Fares are rounded to two decimals as a
// side effect, matching the write path of the regional API.
func (r *Ride) Validate() error {
	if !rideIDPattern.MatchString(r.RideID) {
		return fmt.Errorf("rideId %q does not match R-<digits>", r.RideID)
	}
	if !vehicleIDPattern.MatchString(r.VehicleID) {
		return fmt.Errorf("vehicleId %q does not match AV-<digits>", r.VehicleID)
	}
	if !customerIDPattern.MatchString(r.CustomerID) {
		return fmt.Errorf("customerId %q does not match C-<digits>", r.CustomerID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if !r.City.Valid() {
		return fmt.Errorf("invalid city %q", r.City)
	}
	if err := validateFare(r.Fare); err != nil {
		return err
	}
	r.Fare = RoundFare(r.Fare)
	if err := r.StartLocation.Validate(); err != nil {
		return fmt.Errorf("startLocation: %w", err)
	}
	if err := r.CurrentLocation.Validate(); err != nil {
		return fmt.Errorf("currentLocation: %w", err)
	}
	if err := r.EndLocation.Validate(); err != nil {
		return fmt.Errorf("endLocation: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the ride.
func (r *Ride) Clone() *Ride {
	cp := *r
	return &cp
}

// Update is a partial ride update. Nil fields are left unchanged.
type Update struct {
	Status          *Status   `json:"status,omitempty"`
	CurrentLocation *Location `json:"currentLocation,omitempty"`
	EndLocation     *Location `json:"endLocation,omitempty"`
	Fare            *float64  `json:"fare,omitempty"`
}

// IsEmpty reports whether the update touches no fields.
func (u *Update) IsEmpty() bool {
	return u.Status == nil && u.CurrentLocation == nil && u.EndLocation == nil && u.Fare == nil
}

// Validate checks the populated fields of the update.
func (u *Update) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("invalid status %q", *u.Status)
	}
	if u.CurrentLocation != nil {
		if err := u.CurrentLocation.Validate(); err != nil {
			return fmt.Errorf("currentLocation: %w", err)
		}
	}
	if u.EndLocation != nil {
		if err := u.EndLocation.Validate(); err != nil {
			return fmt.Errorf("endLocation: %w", err)
		}
	}
	if u.Fare != nil {
		if err := validateFare(*u.Fare); err != nil {
			return err
		}
		*u.Fare = RoundFare(*u.Fare)
	}
	return nil
}
