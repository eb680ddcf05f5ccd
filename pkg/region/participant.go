// Package region implements the regional participant: ride CRUD over the
// regional store plus the prepare/commit/abort protocol driven by the
// handoff coordinator. All committing and aborting operations are fenced on
// (rideId, transaction_id) so retries and late aborts are harmless.
package region

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

var (
	// ErrRideExists is returned when creating a ride whose id is taken.
	ErrRideExists = errors.New("ride already exists")

	// ErrRideNotFound is returned when a ride id does not exist locally.
	ErrRideNotFound = errors.New("ride not found")

	// ErrEmptyUpdate is returned when a partial update touches no fields.
	ErrEmptyUpdate = errors.New("no fields to update")
)

// PrepareResult is the typed outcome of a prepare call.
type PrepareResult struct {
	Vote     Vote
	Reason   string
	Snapshot *ride.Ride
}

// CommitResult is the typed outcome of a commit call.
type CommitResult struct {
	DeletedCount int
	InsertedID   string
}

// Participant serves one region's rides and votes on cross-region
// transactions under coordinator direction.
type Participant struct {
	region    ride.Region
	store     *store.Store
	records   *recordStore
	startTime time.Time
	log       *log.Entry
}

// NewParticipant creates a participant over an open regional store.
// Participant records are journaled under dataDir; an empty dataDir keeps
// them in memory only.
func NewParticipant(s *store.Store, dataDir string) (*Participant, error) {
	records, err := openRecordStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Participant{
		region:    s.Region(),
		store:     s,
		records:   records,
		startTime: time.Now(),
		log:       log.WithField("region", s.Region()),
	}, nil
}

// Region returns the participant's region.
func (p *Participant) Region() ride.Region {
	return p.region
}

// Store exposes the underlying regional store (change feeds, stats).
func (p *Participant) Store() *store.Store {
	return p.store
}

// CreateRide validates and inserts a new ride. Transaction fields are always
// cleared on the write path; only the 2PC protocol may set them.
func (p *Participant) CreateRide(r *ride.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Locked = false
	r.TransactionID = ""
	r.HandoffStatus = ride.HandoffNone

	if err := p.store.Insert(r); err != nil {
		if errors.Is(err, store.ErrDuplicateRide) {
			return fmt.Errorf("%w: %s", ErrRideExists, r.RideID)
		}
		return err
	}
	p.log.WithField("ride_id", r.RideID).Info("Created ride")
	return nil
}

// GetRide returns a ride by id.
func (p *Participant) GetRide(rideID string) (*ride.Ride, error) {
	r, ok := p.store.Get(rideID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, rideID)
	}
	return r, nil
}

// ListRides returns rides matching the filter, newest first.
func (p *Participant) ListRides(filter store.ListFilter, skip, limit int) []*ride.Ride {
	return p.store.List(filter, store.FindOptions{Skip: skip, Limit: limit})
}

// UpdateRide applies a partial update and returns the updated ride.
func (p *Participant) UpdateRide(rideID string, upd *ride.Update) (*ride.Ride, error) {
	if upd.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	fields := store.FieldSet{
		Status:          upd.Status,
		CurrentLocation: upd.CurrentLocation,
		EndLocation:     upd.EndLocation,
		Fare:            upd.Fare,
	}
	after, ok := p.store.GetAndUpdate(store.Match{RideID: rideID}, fields)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, rideID)
	}
	p.log.WithField("ride_id", rideID).Info("Updated ride")
	return after, nil
}

// DeleteRide removes a ride by id.
func (p *Participant) DeleteRide(rideID string) error {
	if p.store.Delete(store.Match{RideID: rideID}) == 0 {
		return fmt.Errorf("%w: %s", ErrRideNotFound, rideID)
	}
	p.log.WithField("ride_id", rideID).Info("Deleted ride")
	return nil
}

// Stats aggregates the regional counters.
func (p *Participant) Stats() store.Stats {
	return p.store.Stats()
}

// Health reports the current store probe result.
func (p *Participant) Health() Health {
	lag := 0
	h := Health{
		Status:           "healthy",
		Region:           p.region,
		Primary:          fmt.Sprintf("%s-store-1", strings.ToLower(string(p.region))),
		StoreStatus:      "connected",
		ReplicationLagMS: &lag,
		UptimeSeconds:    time.Since(p.startTime).Seconds(),
	}
	if lw := p.store.LastWrite(); !lw.IsZero() {
		h.LastWrite = &lw
	}
	return h
}

// Prepare votes on a transaction step.
//
// DELETE: the ride is located and locked; an absent ride or a ride locked by
// another transaction votes ABORT. The pre-lock snapshot is persisted with
// the participant record and returned to the coordinator.
//
// INSERT: the participant only records the transaction; the ride itself is
// written at commit. The vote is COMMIT unless another transaction already
// holds a PREPARED record for the same ride.
//
// A duplicate prepare with the same (rideId, tx_id) returns the same vote.
func (p *Participant) Prepare(req PrepareRequest) PrepareResult {
	plog := p.log.WithFields(log.Fields{"tx_id": req.TxID, "ride_id": req.RideID, "op": req.Operation})

	if !req.Operation.Valid() {
		return PrepareResult{Vote: VoteAbort, Reason: fmt.Sprintf("unknown operation %q", req.Operation)}
	}

	// Duplicate prepare for a transaction this participant already holds.
	if rec, ok := p.records.get(req.TxID); ok && rec.RideID == req.RideID && rec.Operation == req.Operation {
		switch rec.State {
		case RecordPrepared, RecordCommitted:
			plog.Info("Duplicate prepare, re-voting COMMIT")
			return PrepareResult{Vote: VoteCommit, Snapshot: rec.RideData}
		case RecordAborted:
			return PrepareResult{Vote: VoteAbort, Reason: "transaction already aborted"}
		}
	}

	switch req.Operation {
	case OpDelete:
		return p.prepareDelete(req, plog)
	default:
		return p.prepareInsert(req, plog)
	}
}

func (p *Participant) prepareDelete(req PrepareRequest, plog *log.Entry) PrepareResult {
	r, ok := p.store.Get(req.RideID)
	if !ok {
		plog.Warn("Prepare failed: ride not found")
		return PrepareResult{
			Vote:   VoteAbort,
			Reason: fmt.Sprintf("Ride %s not found in %s", req.RideID, p.region),
		}
	}
	if r.Locked {
		plog.Warn("Prepare failed: ride locked by another transaction")
		return PrepareResult{
			Vote:   VoteAbort,
			Reason: fmt.Sprintf("Ride %s is locked by another transaction", req.RideID),
		}
	}

	// Snapshot the unlocked state before taking the lock.
	snapshot := r.Clone()

	unlocked := false
	matched := p.store.Update(
		store.Match{RideID: req.RideID, Locked: &unlocked},
		store.FieldSet{Lock: &store.LockFields{
			Locked:        true,
			TransactionID: req.TxID,
			HandoffStatus: ride.HandoffPreparing,
		}},
	)
	if matched == 0 {
		// Lost the race to a concurrent prepare.
		plog.Warn("Prepare failed: lock race lost")
		return PrepareResult{
			Vote:   VoteAbort,
			Reason: fmt.Sprintf("Ride %s is locked by another transaction", req.RideID),
		}
	}

	rec := &Record{
		TxID:      req.TxID,
		RideID:    req.RideID,
		Operation: OpDelete,
		State:     RecordPrepared,
		RideData:  snapshot,
		Timestamp: time.Now().UTC(),
	}
	if err := p.records.put(rec); err != nil {
		plog.WithError(err).Error("Failed to persist participant record, releasing lock")
		p.releaseLocks(req.TxID)
		return PrepareResult{Vote: VoteAbort, Reason: "failed to persist participant record"}
	}

	plog.Info("Prepared DELETE")
	return PrepareResult{Vote: VoteCommit, Snapshot: snapshot}
}

func (p *Participant) prepareInsert(req PrepareRequest, plog *log.Entry) PrepareResult {
	if other, ok := p.records.preparedForRide(req.RideID, req.TxID); ok {
		plog.WithField("conflicting_tx", other.TxID).Warn("Prepare failed: conflicting transaction")
		return PrepareResult{
			Vote:   VoteAbort,
			Reason: fmt.Sprintf("Ride %s already prepared by transaction %s", req.RideID, other.TxID),
		}
	}

	rec := &Record{
		TxID:      req.TxID,
		RideID:    req.RideID,
		Operation: OpInsert,
		State:     RecordPrepared,
		RideData:  req.RideData,
		Timestamp: time.Now().UTC(),
	}
	if err := p.records.put(rec); err != nil {
		plog.WithError(err).Error("Failed to persist participant record")
		return PrepareResult{Vote: VoteAbort, Reason: "failed to persist participant record"}
	}

	plog.Info("Prepared INSERT")
	return PrepareResult{Vote: VoteCommit}
}

// Commit applies the prepared operation. It is idempotent: a retried DELETE
// finds nothing to delete, a retried INSERT hits the duplicate check on a
// ride it already owns. For INSERT commits with no ride data the cached
// snapshot from prepare is used (recovery replay path).
func (p *Participant) Commit(req CommitRequest) (CommitResult, error) {
	plog := p.log.WithFields(log.Fields{"tx_id": req.TxID, "ride_id": req.RideID, "op": req.Operation})

	switch req.Operation {
	case OpDelete:
		txID := req.TxID
		deleted := p.store.Delete(store.Match{RideID: req.RideID, TransactionID: &txID})
		if err := p.records.setState(req.TxID, RecordCommitted); err != nil {
			plog.WithError(err).Error("Failed to persist commit state")
		}
		plog.WithField("deleted_count", deleted).Info("Committed DELETE")
		return CommitResult{DeletedCount: deleted}, nil

	case OpInsert:
		doc := req.RideData
		if doc == nil {
			rec, ok := p.records.get(req.TxID)
			if !ok || rec.RideData == nil {
				return CommitResult{}, fmt.Errorf("no ride data for transaction %s", req.TxID)
			}
			// Recovery replay: rebuild the committed form from the cached
			// source snapshot.
			doc = rec.RideData.Clone()
			doc.City = p.region
			doc.HandoffStatus = ride.HandoffCompleted
			doc.Locked = false
			doc.TransactionID = ""
		}

		if err := p.store.Insert(doc); err != nil {
			if !errors.Is(err, store.ErrDuplicateRide) {
				return CommitResult{}, err
			}
			plog.Info("Commit INSERT found existing ride, treating as replay")
		}
		if err := p.records.setState(req.TxID, RecordCommitted); err != nil {
			plog.WithError(err).Error("Failed to persist commit state")
		}
		plog.Info("Committed INSERT")
		return CommitResult{InsertedID: doc.RideID}, nil

	default:
		return CommitResult{}, fmt.Errorf("unknown operation %q", req.Operation)
	}
}

// Abort releases all participant state held for a transaction: tentative
// INSERT documents are removed, locks are cleared, and the participant
// record is marked ABORTED. Safe to call repeatedly and for unknown tx ids.
func (p *Participant) Abort(txID string) {
	plog := p.log.WithField("tx_id", txID)

	if rec, ok := p.records.get(txID); ok && rec.Operation == OpInsert {
		tx := txID
		if removed := p.store.Delete(store.Match{RideID: rec.RideID, TransactionID: &tx}); removed > 0 {
			plog.WithField("removed", removed).Info("Removed tentative insert")
		}
	}

	p.releaseLocks(txID)

	if err := p.records.setState(txID, RecordAborted); err != nil {
		plog.WithError(err).Error("Failed to persist abort state")
	}
	plog.Info("Aborted transaction")
}

// releaseLocks clears the transaction fields on any ride held by txID.
func (p *Participant) releaseLocks(txID string) {
	tx := txID
	p.store.Update(
		store.Match{TransactionID: &tx},
		store.FieldSet{Lock: &store.LockFields{
			Locked:        false,
			TransactionID: "",
			HandoffStatus: ride.HandoffNone,
		}},
	)
}

// Record returns the participant record for a transaction, for inspection.
func (p *Participant) Record(txID string) (*Record, bool) {
	return p.records.get(txID)
}

// SweepStale aborts PREPARED participant records older than the grace
// window. This releases locks left by a coordinator that died before writing
// its own transaction log entry.
func (p *Participant) SweepStale(grace time.Duration) int {
	cutoff := time.Now().UTC().Add(-grace)
	stale := p.records.staleRecords(cutoff)
	for _, rec := range stale {
		p.log.WithFields(log.Fields{"tx_id": rec.TxID, "ride_id": rec.RideID}).
			Warn("Sweeping stale prepared transaction")
		p.Abort(rec.TxID)
	}
	return len(stale)
}

// Close journals nothing further and releases the record store.
func (p *Participant) Close() error {
	return p.records.close()
}
