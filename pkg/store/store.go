// Package store implements the regional store adapter: an embedded, durable
// ride store exposing atomic conditional updates, find-and-modify, filtered
// list queries, aggregated stats and a restartable change stream. One Store
// instance exclusively owns its region's (or the GLOBAL replica's) data.
package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

var (
	// ErrDuplicateRide is returned when inserting a rideId that already exists.
	ErrDuplicateRide = errors.New("ride already exists")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Stats aggregates regional counters by ride status.
type Stats struct {
	Region         ride.Region `json:"region"`
	TotalRides     int         `json:"total_rides"`
	ActiveRides    int         `json:"active_rides"`
	CompletedRides int         `json:"completed_rides"`
	CancelledRides int         `json:"cancelled_rides"`
	TotalRevenue   float64     `json:"total_revenue"`
	AvgFare        float64     `json:"avg_fare"`
}

// Store is an in-process ride store keyed by rideId (unique). All mutations
// are atomic under the store lock and recorded in the change log, so
// concurrent readers, the participant protocol and change streams observe a
// consistent sequence of states.
type Store struct {
	region  ride.Region
	dataDir string

	mu        sync.RWMutex
	rides     map[string]*ride.Ride
	log       *changeLog
	lastWrite time.Time
	closed    bool
}

// Open creates a store for the given region, loading a previous snapshot
// from dataDir when one exists. An empty dataDir keeps the store in memory
// only.
func Open(region ride.Region, dataDir string) (*Store, error) {
	s := &Store{
		region:  region,
		dataDir: dataDir,
		rides:   make(map[string]*ride.Ride),
		log:     newChangeLog(0),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		rides, err := readSnapshot(dataDir)
		if err != nil {
			return nil, err
		}
		for _, r := range rides {
			s.rides[r.RideID] = r
		}
	}

	return s, nil
}

// Region returns the region this store belongs to.
func (s *Store) Region() ride.Region {
	return s.region
}

// Get returns the ride with the given id, or false when absent.
func (s *Store) Get(rideID string) (*ride.Ride, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rides[rideID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns rides matching the filter, sorted by timestamp descending,
// with skip/limit pagination applied after the sort.
func (s *Store) List(filter ListFilter, opts FindOptions) []*ride.Ride {
	s.mu.RLock()
	matched := make([]*ride.Ride, 0, 64)
	for _, r := range s.rides {
		if filter.matches(r) {
			matched = append(matched, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].RideID > matched[j].RideID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			return nil
		}
		matched = matched[opts.Skip:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched
}

// Insert adds a new ride. It fails with ErrDuplicateRide when the rideId is
// already present.
func (s *Store) Insert(r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.rides[r.RideID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRide, r.RideID)
	}

	cp := r.Clone()
	s.rides[cp.RideID] = cp
	s.lastWrite = time.Now().UTC()
	s.log.append(OpInsert, cp.RideID, cp)
	return nil
}

// Upsert replaces the ride with the same rideId, inserting when absent. Used
// by the change replicator to apply after-images to the GLOBAL replica.
func (s *Store) Upsert(r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	cp := r.Clone()
	_, existed := s.rides[cp.RideID]
	s.rides[cp.RideID] = cp
	s.lastWrite = time.Now().UTC()
	if existed {
		s.log.append(OpUpdate, cp.RideID, cp)
	} else {
		s.log.append(OpInsert, cp.RideID, cp)
	}
	return nil
}

// Update applies the field set to every ride matching m and returns the
// matched count. The read-check-write sequence is atomic under the store
// lock, which is what serializes concurrent prepares on the same ride.
func (s *Store) Update(m Match, fields FieldSet) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := 0
	for _, r := range s.rides {
		if !m.matches(r) {
			continue
		}
		fields.apply(r)
		matched++
		s.lastWrite = time.Now().UTC()
		s.log.append(OpUpdate, r.RideID, r)
	}
	return matched
}

// GetAndUpdate atomically applies the field set to the first ride matching m
// and returns the after-image, or false when nothing matched.
func (s *Store) GetAndUpdate(m Match, fields FieldSet) (*ride.Ride, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rides {
		if !m.matches(r) {
			continue
		}
		fields.apply(r)
		s.lastWrite = time.Now().UTC()
		s.log.append(OpUpdate, r.RideID, r)
		return r.Clone(), true
	}
	return nil, false
}

// Delete removes every ride matching m and returns the deleted count.
func (s *Store) Delete(m Match) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, r := range s.rides {
		if !m.matches(r) {
			continue
		}
		delete(s.rides, id)
		deleted++
		s.lastWrite = time.Now().UTC()
		s.log.append(OpDelete, id, nil)
	}
	return deleted
}

// Count returns the number of rides in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rides)
}

// Stats aggregates status counts, revenue and average fare.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Region: s.region}
	for _, r := range s.rides {
		stats.TotalRides++
		switch r.Status {
		case ride.StatusInProgress:
			stats.ActiveRides++
		case ride.StatusCompleted:
			stats.CompletedRides++
		case ride.StatusCancelled:
			stats.CancelledRides++
		}
		stats.TotalRevenue += r.Fare
	}
	if stats.TotalRides > 0 {
		stats.AvgFare = ride.RoundFare(stats.TotalRevenue / float64(stats.TotalRides))
	}
	stats.TotalRevenue = ride.RoundFare(stats.TotalRevenue)
	return stats
}

// Watch opens a change stream over the store's change log.
func (s *Store) Watch(options *ChangeStreamOptions) *ChangeStream {
	return newChangeStream(s.log, options)
}

// LastWrite returns the time of the most recent mutation, zero when none.
func (s *Store) LastWrite() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastWrite
}

// Snapshot persists the current ride set to the data dir. A memory-only
// store returns nil without writing.
func (s *Store) Snapshot() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.RLock()
	rides := make([]*ride.Ride, 0, len(s.rides))
	for _, r := range s.rides {
		rides = append(rides, r.Clone())
	}
	s.mu.RUnlock()

	return writeSnapshot(s.dataDir, rides)
}

// Close snapshots the store and marks it closed.
func (s *Store) Close() error {
	if err := s.Snapshot(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
