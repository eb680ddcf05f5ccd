package store

import (
	"errors"
	"sync"
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// OpType is the kind of mutation recorded in the change log.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ErrResumeLost is returned when a subscriber asks to resume from a position
// that has already been evicted from the change log. The subscriber must
// re-seed from a full scan and restart the stream from the current position.
var ErrResumeLost = errors.New("resume position no longer in change log")

// logEntry is a single mutation in the change log. FullDocument carries the
// after-image for inserts and updates; deletes have only the document key.
type logEntry struct {
	Seq          uint64
	Op           OpType
	Timestamp    time.Time
	RideID       string
	FullDocument *ride.Ride
}

// changeLog is a bounded, seq-numbered ring of recent mutations. Change
// streams poll it with a resume position; once an entry is evicted the only
// way back in is a full re-seed.
type changeLog struct {
	mu      sync.RWMutex
	entries []logEntry
	nextSeq uint64
	maxSize int
}

func newChangeLog(maxSize int) *changeLog {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &changeLog{
		entries: make([]logEntry, 0, 64),
		nextSeq: 1,
		maxSize: maxSize,
	}
}

// append records a mutation and returns its sequence number.
func (l *changeLog) append(op OpType, rideID string, doc *ride.Ride) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := logEntry{
		Seq:       l.nextSeq,
		Op:        op,
		Timestamp: time.Now().UTC(),
		RideID:    rideID,
	}
	if doc != nil {
		entry.FullDocument = doc.Clone()
	}
	l.nextSeq++

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxSize {
		l.entries = l.entries[len(l.entries)-l.maxSize:]
	}
	return entry.Seq
}

// since returns all entries with Seq > after, oldest first. It fails with
// ErrResumeLost when entries after the requested position have been evicted.
func (l *changeLog) since(after uint64) ([]logEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		if after >= l.nextSeq {
			return nil, ErrResumeLost
		}
		return nil, nil
	}

	oldest := l.entries[0].Seq
	if after+1 < oldest {
		return nil, ErrResumeLost
	}

	// Binary-search-free scan: the ring is small and ordered by Seq.
	var out []logEntry
	for _, e := range l.entries {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// current returns the sequence number of the latest recorded mutation.
func (l *changeLog) current() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - 1
}
