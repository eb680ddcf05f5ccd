// Package replicator keeps the GLOBAL replica converging to the union of the
// regional stores. It runs one streaming loop per source region, applying
// change feed events, with an optional one-shot initial sync to seed the
// replica.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// Mode selects how the replicator seeds the GLOBAL replica on start.
type Mode string

const (
	// ModeInitialStream copies all regional rides into GLOBAL before opening
	// streams when the replica is empty or a re-seed was requested.
	ModeInitialStream Mode = "initial+stream"

	// ModeStreamOnly opens the streams immediately.
	ModeStreamOnly Mode = "stream_only"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInitialStream, ModeStreamOnly:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown replicator mode %q", s)
	}
}

// syncPageSize is the page size used when copying a region's rides.
const syncPageSize = 500

// Replicator applies regional change feeds to the GLOBAL replica store.
type Replicator struct {
	regions map[ride.Region]*client.Regional
	global  *store.Store
	metrics *metrics.Collector
	mode    Mode
	reseed  bool

	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a replicator over the participant clients and the GLOBAL store.
func New(regions map[ride.Region]*client.Regional, global *store.Store, collector *metrics.Collector, mode Mode, reseed bool) *Replicator {
	if mode == "" {
		mode = ModeInitialStream
	}
	return &Replicator{
		regions:    regions,
		global:     global,
		metrics:    collector,
		mode:       mode,
		reseed:     reseed,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
}

// Start seeds the replica when the mode asks for it, then runs one stream
// loop per region until the context is cancelled.
func (r *Replicator) Start(ctx context.Context) {
	if r.mode == ModeInitialStream && (r.reseed || r.global.Count() == 0) {
		if err := r.InitialSync(ctx); err != nil {
			log.WithError(err).Error("Initial sync incomplete, streams will fill the gaps")
		}
	}

	for reg, cl := range r.regions {
		go r.streamLoop(ctx, reg, cl)
	}
}

// InitialSync copies every ride from every region into the GLOBAL replica.
func (r *Replicator) InitialSync(ctx context.Context) error {
	var firstErr error
	for reg, cl := range r.regions {
		if err := r.syncRegion(ctx, reg, cl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// syncRegion pages through one region's rides and upserts them into GLOBAL.
func (r *Replicator) syncRegion(ctx context.Context, reg ride.Region, cl *client.Regional) error {
	copied := 0
	for skip := 0; ; skip += syncPageSize {
		rides, err := cl.ListRides(ctx, client.ListQuery{Skip: skip, Limit: syncPageSize})
		if err != nil {
			return fmt.Errorf("initial sync of %s failed: %w", reg, err)
		}
		for _, doc := range rides {
			if err := r.global.Upsert(doc); err != nil {
				log.WithFields(log.Fields{"region": reg, "ride_id": doc.RideID}).
					WithError(err).Error("Initial sync upsert failed, skipping")
				continue
			}
			copied++
		}
		if len(rides) < syncPageSize {
			break
		}
	}
	log.WithFields(log.Fields{"region": reg, "copied": copied}).Info("Initial sync complete")
	return nil
}

// streamLoop keeps one region's change feed open, reconnecting with bounded
// backoff and falling back to a full resync when the resume position is gone.
func (r *Replicator) streamLoop(ctx context.Context, reg ride.Region, cl *client.Regional) {
	rlog := log.WithField("region", reg)
	var token *store.ResumeToken
	backoff := r.minBackoff

	for ctx.Err() == nil {
		feed, err := client.DialFeed(ctx, cl.BaseURL(), token)
		if err != nil {
			if errors.Is(err, store.ErrResumeLost) {
				token = r.resync(ctx, reg, cl)
				continue
			}
			rlog.WithError(err).Warn("Change feed dial failed, backing off")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, r.maxBackoff)
			continue
		}
		rlog.Info("Change feed connected")
		backoff = r.minBackoff

		for {
			event, err := feed.Next()
			if err != nil {
				feed.Close()
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, store.ErrResumeLost) {
					token = r.resync(ctx, reg, cl)
				} else {
					rlog.WithError(err).Warn("Change feed lost, reconnecting")
					token = feed.ResumeToken()
					if !sleep(ctx, backoff) {
						return
					}
					backoff = nextBackoff(backoff, r.maxBackoff)
				}
				break
			}
			if event == nil {
				continue
			}
			r.apply(reg, event)
			token = feed.ResumeToken()
		}
	}
}

// resync re-seeds GLOBAL from one region after a lost resume position and
// restarts its stream from the current feed head.
func (r *Replicator) resync(ctx context.Context, reg ride.Region, cl *client.Regional) *store.ResumeToken {
	log.WithField("region", reg).Warn("Resume position lost, running full resync")
	r.metrics.RecordResync()
	if err := r.syncRegion(ctx, reg, cl); err != nil {
		log.WithField("region", reg).WithError(err).Error("Resync failed, will retry on next reconnect")
	}
	return nil
}

// apply maps one change event onto the GLOBAL replica. Per-event failures
// are logged and skipped; the stream keeps going.
func (r *Replicator) apply(reg ride.Region, event *store.ChangeEvent) {
	elog := log.WithFields(log.Fields{"region": reg, "ride_id": event.DocumentKey.RideID, "op": event.OperationType})

	switch event.OperationType {
	case store.OpInsert:
		if event.FullDocument == nil {
			elog.Warn("Insert event without document, skipping")
			return
		}
		if err := r.global.Insert(event.FullDocument); err != nil {
			if errors.Is(err, store.ErrDuplicateRide) {
				// Fail-silent: the initial sync or a replayed event already
				// put the ride there.
				return
			}
			elog.WithError(err).Error("Replicated insert failed, skipping")
			return
		}

	case store.OpUpdate:
		if event.FullDocument == nil {
			elog.Warn("Update event without after-image, skipping")
			return
		}
		if err := r.global.Upsert(event.FullDocument); err != nil {
			elog.WithError(err).Error("Replicated update failed, skipping")
			return
		}

	case store.OpDelete:
		r.global.Delete(store.Match{RideID: event.DocumentKey.RideID})

	default:
		elog.Warn("Unknown change operation, skipping")
		return
	}

	r.metrics.RecordReplicated(string(event.OperationType))
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
