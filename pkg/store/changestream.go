package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ridemesh/ridemesh/pkg/ride"
)

// ResumeToken is an opaque position in a region's change log. A subscriber
// that reconnects with its last token sees every mutation exactly once.
type ResumeToken struct {
	Seq uint64 `json:"seq"`
}

// DocumentKey identifies the document a change event applies to.
type DocumentKey struct {
	RideID string `json:"rideId"`
}

// ChangeEvent is a single mutation observed through a change stream.
// FullDocument is always present on insert and, when the stream was opened
// with FullDocumentUpdateLookup, on update.
type ChangeEvent struct {
	ID            ResumeToken `json:"_id"`
	OperationType OpType      `json:"operationType"`
	Timestamp     time.Time   `json:"clusterTime"`
	DocumentKey   DocumentKey `json:"documentKey"`
	FullDocument  *ride.Ride  `json:"fullDocument,omitempty"`
}

// FullDocumentOption controls when the after-image is attached to events.
type FullDocumentOption string

const (
	// FullDocumentDefault attaches the full document only on inserts.
	FullDocumentDefault FullDocumentOption = "default"

	// FullDocumentUpdateLookup also attaches the after-image on updates.
	FullDocumentUpdateLookup FullDocumentOption = "updateLookup"
)

// ChangeStreamOptions configures a change stream.
type ChangeStreamOptions struct {
	FullDocument FullDocumentOption
	ResumeAfter  *ResumeToken
	MaxAwaitTime time.Duration
	BatchSize    int
}

// DefaultChangeStreamOptions returns the default stream configuration.
func DefaultChangeStreamOptions() *ChangeStreamOptions {
	return &ChangeStreamOptions{
		FullDocument: FullDocumentDefault,
		MaxAwaitTime: 250 * time.Millisecond,
		BatchSize:    100,
	}
}

// ChangeStream is an active subscription to a store's change log. It polls
// the log on a timer and delivers events in order with resume tokens.
type ChangeStream struct {
	log     *changeLog
	options *ChangeStreamOptions

	events chan *ChangeEvent
	errs   chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	position uint64
	closed   bool
}

func newChangeStream(log *changeLog, options *ChangeStreamOptions) *ChangeStream {
	if options == nil {
		options = DefaultChangeStreamOptions()
	}
	if options.MaxAwaitTime <= 0 {
		options.MaxAwaitTime = 250 * time.Millisecond
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs := &ChangeStream{
		log:     log,
		options: options,
		events:  make(chan *ChangeEvent, options.BatchSize),
		errs:    make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if options.ResumeAfter != nil {
		cs.position = options.ResumeAfter.Seq
	} else {
		cs.position = log.current()
	}

	go cs.watchLoop()
	return cs
}

// watchLoop polls the change log until the stream is closed.
func (cs *ChangeStream) watchLoop() {
	ticker := time.NewTicker(cs.options.MaxAwaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			if err := cs.poll(); err != nil {
				select {
				case cs.errs <- err:
				default:
				}
				return
			}
		}
	}
}

func (cs *ChangeStream) poll() error {
	cs.mu.RLock()
	position := cs.position
	cs.mu.RUnlock()

	entries, err := cs.log.since(position)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		event := &ChangeEvent{
			ID:            ResumeToken{Seq: entry.Seq},
			OperationType: entry.Op,
			Timestamp:     entry.Timestamp,
			DocumentKey:   DocumentKey{RideID: entry.RideID},
		}
		switch entry.Op {
		case OpInsert:
			event.FullDocument = entry.FullDocument
		case OpUpdate:
			if cs.options.FullDocument == FullDocumentUpdateLookup {
				event.FullDocument = entry.FullDocument
			}
		}

		select {
		case cs.events <- event:
			cs.mu.Lock()
			cs.position = entry.Seq
			cs.mu.Unlock()
		case <-cs.ctx.Done():
			return nil
		}
	}
	return nil
}

// Next returns the next change event, blocking until one is available or the
// context expires.
func (cs *ChangeStream) Next(ctx context.Context) (*ChangeEvent, error) {
	select {
	case event := <-cs.events:
		return event, nil
	case err := <-cs.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cs.ctx.Done():
		return nil, errors.New("change stream closed")
	}
}

// Events exposes the event channel for direct consumption.
func (cs *ChangeStream) Events() <-chan *ChangeEvent {
	return cs.events
}

// ResumeToken returns the token of the last delivered event.
func (cs *ChangeStream) ResumeToken() ResumeToken {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return ResumeToken{Seq: cs.position}
}

// Close stops the stream. It is safe to call more than once.
func (cs *ChangeStream) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil
	}
	cs.closed = true
	cs.cancel()
	return nil
}
