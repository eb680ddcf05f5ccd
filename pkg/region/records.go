package region

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// RecordState tracks a participant's local view of a transaction.
type RecordState string

const (
	RecordPrepared  RecordState = "PREPARED"
	RecordCommitted RecordState = "COMMITTED"
	RecordAborted   RecordState = "ABORTED"
)

// Record is a per-region participant transaction record, written at prepare
// and mutated at commit/abort. The cached ride snapshot lets a recovery
// replay commit an INSERT even when the coordinator lost its in-memory copy.
type Record struct {
	TxID      string      `json:"tx_id"`
	RideID    string      `json:"rideId"`
	Operation Op          `json:"operation"`
	State     RecordState `json:"state"`
	RideData  *ride.Ride  `json:"ride_data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.RideData != nil {
		cp.RideData = r.RideData.Clone()
	}
	return &cp
}

// recordsFile is the on-disk name of the participant record journal.
const recordsFile = "participant.log"

// recordStore holds participant records keyed by tx_id, journaled as JSON
// lines with last state winning on replay, same scheme as the coordinator's
// transaction log.
type recordStore struct {
	mu      sync.RWMutex
	byTx    map[string]*Record
	file    *os.File
	path    string
}

func openRecordStore(dataDir string) (*recordStore, error) {
	rs := &recordStore{byTx: make(map[string]*Record)}

	if dataDir == "" {
		return rs, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	rs.path = filepath.Join(dataDir, recordsFile)
	if err := rs.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(rs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open participant log: %w", err)
	}
	rs.file = f
	return rs, nil
}

func (rs *recordStore) replay() error {
	f, err := os.Open(rs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open participant log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		rs.byTx[rec.TxID] = &rec
	}
	return scanner.Err()
}

// put stores and journals the record's current state.
func (rs *recordStore) put(rec *Record) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.byTx[rec.TxID] = rec.clone()
	if rs.file == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := rs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append participant record: %w", err)
	}
	return nil
}

// get returns the record for a tx_id.
func (rs *recordStore) get(txID string) (*Record, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	rec, ok := rs.byTx[txID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// preparedForRide returns a PREPARED record for the given ride under a
// different transaction, if one exists. Used to detect conflicting INSERT
// prepares.
func (rs *recordStore) preparedForRide(rideID, excludeTx string) (*Record, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, rec := range rs.byTx {
		if rec.RideID == rideID && rec.TxID != excludeTx && rec.State == RecordPrepared {
			return rec.clone(), true
		}
	}
	return nil, false
}

// setState journals a state change, keeping the cached snapshot.
func (rs *recordStore) setState(txID string, state RecordState) error {
	rs.mu.Lock()
	rec, ok := rs.byTx[txID]
	if !ok {
		rs.mu.Unlock()
		return nil
	}
	rec.State = state
	cp := rec.clone()
	rs.mu.Unlock()
	return rs.putJournalOnly(cp)
}

func (rs *recordStore) putJournalOnly(rec *Record) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.file == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := rs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append participant record: %w", err)
	}
	return nil
}

// staleRecords returns PREPARED records last touched before the cutoff.
func (rs *recordStore) staleRecords(cutoff time.Time) []*Record {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var out []*Record
	for _, rec := range rs.byTx {
		if rec.State == RecordPrepared && rec.Timestamp.Before(cutoff) {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (rs *recordStore) close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.file == nil {
		return nil
	}
	err := rs.file.Close()
	rs.file = nil
	return err
}
