// Package txlog implements the coordinator's durable transaction log: an
// append-only audit record per cross-region handoff, keyed by tx_id, with a
// monotone status history. Records are never deleted.
package txlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// Status is a coordinator-side transaction status.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusPrepared  Status = "PREPARED"
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

// rank orders statuses so transitions can only move forward. COMMITTED and
// ABORTED are both terminal.
func (s Status) rank() int {
	switch s {
	case StatusStarted:
		return 0
	case StatusPrepared:
		return 1
	case StatusCommitted, StatusAborted:
		return 2
	default:
		return -1
	}
}

var (
	// ErrNotFound is returned when no record exists for a tx_id.
	ErrNotFound = errors.New("transaction not found")

	// ErrBadTransition is returned on an attempt to move a transaction
	// backwards or out of a terminal state.
	ErrBadTransition = errors.New("invalid status transition")

	// ErrDuplicateTx is returned when beginning a transaction whose tx_id
	// already exists.
	ErrDuplicateTx = errors.New("transaction already exists")
)

// HistoryEntry is one status transition in a transaction's audit trail.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Record is the durable state of one cross-region transaction.
type Record struct {
	TxID         string         `json:"tx_id"`
	RideID       string         `json:"rideId"`
	SourceRegion ride.Region    `json:"source_region"`
	TargetRegion ride.Region    `json:"target_region"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
	History      []HistoryEntry `json:"history"`
	LatencyMS    float64        `json:"latency_ms,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.History = make([]HistoryEntry, len(r.History))
	copy(cp.History, r.History)
	return &cp
}

// logFile is the on-disk name of the transaction log inside its data dir.
const logFile = "transactions.log"

// Log is the coordinator's transaction log. Every mutation appends the full
// record state as one JSON line; on open the file is replayed with last
// state winning, which makes the log both the journal and the index.
type Log struct {
	mu      sync.RWMutex
	records map[string]*Record
	file    *os.File
	path    string
}

// Open loads (or creates) a transaction log in dataDir. An empty dataDir
// keeps the log in memory only.
func Open(dataDir string) (*Log, error) {
	l := &Log{records: make(map[string]*Record)}

	if dataDir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	l.path = filepath.Join(dataDir, logFile)
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	l.file = f
	return l, nil
}

// replay loads existing records from the log file, last state per tx_id wins.
func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open transaction log: %w", err)
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
			// A torn final line from a crash is expected; anything else
			// in the middle of the file would have failed the same way.
			continue
		}
		l.records[rec.TxID] = &rec
	}
	return scanner.Err()
}

// persist appends the record's current state. Called with the lock held.
func (l *Log) persist(rec *Record) error {
	if l.file == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append transaction record: %w", err)
	}
	return nil
}

// Begin creates a new transaction record in STARTED state.
func (l *Log) Begin(txID, rideID string, source, target ride.Region) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[txID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, txID)
	}

	now := time.Now().UTC()
	rec := &Record{
		TxID:         txID,
		RideID:       rideID,
		SourceRegion: source,
		TargetRegion: target,
		Status:       StatusStarted,
		CreatedAt:    now,
		LastUpdated:  now,
		History: []HistoryEntry{{
			Status:    StatusStarted,
			Timestamp: now,
			Note:      "Transaction created",
		}},
	}
	l.records[txID] = rec

	if err := l.persist(rec); err != nil {
		return nil, err
	}
	return rec.clone(), nil
}

// transition advances a record to a new status, appending history. Moves
// that would go backwards or leave a terminal state fail with
// ErrBadTransition, except that re-asserting the current status is a no-op
// (idempotent recovery replays).
func (l *Log) transition(txID string, to Status, note string, mutate func(*Record)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if rec.Status == to {
		return nil
	}
	if to.rank() <= rec.Status.rank() {
		return fmt.Errorf("%w: %s -> %s for %s", ErrBadTransition, rec.Status, to, txID)
	}

	now := time.Now().UTC()
	rec.Status = to
	rec.LastUpdated = now
	rec.History = append(rec.History, HistoryEntry{Status: to, Timestamp: now, Note: note})
	if mutate != nil {
		mutate(rec)
	}
	return l.persist(rec)
}

// MarkPrepared records that both participants voted COMMIT.
func (l *Log) MarkPrepared(txID, note string) error {
	return l.transition(txID, StatusPrepared, note, nil)
}

// MarkCommitted finalizes the transaction with its measured latency.
func (l *Log) MarkCommitted(txID, note string, latencyMS float64) error {
	return l.transition(txID, StatusCommitted, note, func(rec *Record) {
		rec.LatencyMS = latencyMS
	})
}

// MarkAborted finalizes the transaction with the abort cause.
func (l *Log) MarkAborted(txID, note string) error {
	return l.transition(txID, StatusAborted, note, func(rec *Record) {
		rec.Error = note
	})
}

// Get returns the record for a tx_id.
func (l *Log) Get(txID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return rec.clone(), nil
}

// Recent returns up to limit records, newest first by creation time.
func (l *Log) Recent(limit int) []*Record {
	l.mu.RLock()
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// InStateOlderThan returns records in the given status whose last update is
// older than the cutoff. The recovery scanner uses this to find stuck
// transactions.
func (l *Log) InStateOlderThan(status Status, cutoff time.Time) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, rec := range l.records {
		if rec.Status == status && rec.LastUpdated.Before(cutoff) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Len returns the number of records in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
