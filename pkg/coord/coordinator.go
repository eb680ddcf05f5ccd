// Package coord implements the cross-region handoff coordinator: the 2PC
// driver, the regional health monitor, the scoped query router and the
// recovery scanner for transactions stuck by a crash.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/ride"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// Outcome is the terminal result of a handoff request. Only the wire form is
// a string.
type Outcome int

const (
	OutcomeAborted Outcome = iota
	OutcomeSuccess
	OutcomeBuffered
)

// String returns the wire form of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeBuffered:
		return "BUFFERED"
	default:
		return "ABORTED"
	}
}

// HandoffResult is what the coordinator reports to its caller. The caller
// always receives a tx_id and a terminal status.
type HandoffResult struct {
	Outcome   Outcome
	TxID      string
	Reason    string
	LatencyMS float64
}

// Coordinator drives two-phase commit for single-ride migrations between
// regions, recording every transaction in the log.
type Coordinator struct {
	regions map[ride.Region]*client.Regional
	txlog   *txlog.Log
	health  *HealthMonitor
	metrics *metrics.Collector

	prepareDeadline time.Duration
	commitDeadline  time.Duration
}

// NewCoordinator creates a coordinator over the given participant clients.
func NewCoordinator(regions map[ride.Region]*client.Regional, tl *txlog.Log, hm *HealthMonitor, collector *metrics.Collector, prepareDeadline, commitDeadline time.Duration) *Coordinator {
	if prepareDeadline <= 0 {
		prepareDeadline = 5 * time.Second
	}
	if commitDeadline <= 0 {
		commitDeadline = 10 * time.Second
	}
	return &Coordinator{
		regions:         regions,
		txlog:           tl,
		health:          hm,
		metrics:         collector,
		prepareDeadline: prepareDeadline,
		commitDeadline:  commitDeadline,
	}
}

// Handoff migrates rideID from source to target. The run is detached from
// the caller's context: once admitted it drives to a terminal state even if
// the client goes away, so no locks are left behind.
func (c *Coordinator) Handoff(ctx context.Context, rideID string, source, target ride.Region) HandoffResult {
	ctx = context.WithoutCancel(ctx)
	txID := uuid.NewString()
	hlog := log.WithFields(log.Fields{"tx_id": txID, "ride_id": rideID, "source": source, "target": target})

	c.metrics.RecordHandoffStart()

	// Admission gate: an unhealthy target defers the whole handoff without
	// touching the log or either participant.
	if !c.health.Healthy(target) {
		hlog.Warn("Handoff buffered, target region unhealthy")
		c.metrics.RecordHandoffBuffered()
		return HandoffResult{
			Outcome: OutcomeBuffered,
			TxID:    txID,
			Reason:  fmt.Sprintf("Target region %s is currently unavailable", target),
		}
	}

	start := time.Now()
	if _, err := c.txlog.Begin(txID, rideID, source, target); err != nil {
		hlog.WithError(err).Error("Failed to begin transaction")
		c.metrics.RecordHandoffAbort()
		return HandoffResult{
			Outcome:   OutcomeAborted,
			TxID:      txID,
			Reason:    "failed to begin transaction",
			LatencyMS: msSince(start),
		}
	}

	src, ok := c.regions[source]
	if !ok {
		return c.rollback(ctx, txID, start, fmt.Sprintf("no client for region %s", source), hlog)
	}
	tgt, ok := c.regions[target]
	if !ok {
		return c.rollback(ctx, txID, start, fmt.Sprintf("no client for region %s", target), hlog)
	}

	// Phase 1a: prepare the source DELETE.
	prepCtx, cancel := context.WithTimeout(ctx, c.prepareDeadline)
	srcResp, err := src.Prepare(prepCtx, region.PrepareRequest{
		RideID:    rideID,
		TxID:      txID,
		Operation: region.OpDelete,
	})
	cancel()
	if err != nil {
		return c.rollback(ctx, txID, start, fmt.Sprintf("source prepare failed: %v", err), hlog)
	}
	if srcResp.Vote != region.VoteCommit.String() {
		// The source held nothing, but the fan-out is idempotent and covers
		// a partially applied lock.
		return c.rollback(ctx, txID, start, srcResp.Reason, hlog)
	}
	snapshot := srcResp.RideData
	if snapshot == nil {
		return c.rollback(ctx, txID, start, "source vote carried no ride snapshot", hlog)
	}

	// Phase 1b: prepare the target INSERT with the snapshot attached so the
	// target can replay the commit on its own during recovery.
	prepCtx, cancel = context.WithTimeout(ctx, c.prepareDeadline)
	tgtResp, err := tgt.Prepare(prepCtx, region.PrepareRequest{
		RideID:    rideID,
		TxID:      txID,
		Operation: region.OpInsert,
		RideData:  snapshot,
	})
	cancel()
	if err != nil {
		return c.rollback(ctx, txID, start, fmt.Sprintf("target prepare failed: %v", err), hlog)
	}
	if tgtResp.Vote != region.VoteCommit.String() {
		return c.rollback(ctx, txID, start, tgtResp.Reason, hlog)
	}

	if err := c.txlog.MarkPrepared(txID, "Both participants voted COMMIT"); err != nil {
		return c.rollback(ctx, txID, start, fmt.Sprintf("failed to persist PREPARED: %v", err), hlog)
	}
	hlog.Info("Transaction prepared")

	// Past this point the transaction is forward-only: commit failures are
	// logged and left for the recovery scanner to replay.
	committed := ride.HandoffCompleted
	transferred := snapshot.Clone()
	transferred.City = target
	transferred.HandoffStatus = committed
	transferred.Locked = false
	transferred.TransactionID = ""

	srcErr, tgtErr := c.commitBoth(ctx, txID, rideID, transferred, src, tgt)
	if srcErr != nil || tgtErr != nil {
		hlog.WithFields(log.Fields{"source_err": srcErr, "target_err": tgtErr}).
			Error("Commit phase incomplete, leaving transaction for recovery")
		return HandoffResult{
			Outcome:   OutcomeSuccess,
			TxID:      txID,
			Reason:    "commit pending recovery",
			LatencyMS: msSince(start),
		}
	}

	latency := msSince(start)
	if err := c.txlog.MarkCommitted(txID, "Handoff committed", latency); err != nil {
		hlog.WithError(err).Error("Failed to persist COMMITTED")
	}
	c.metrics.RecordHandoffCommit(time.Since(start))
	hlog.WithField("latency_ms", latency).Info("Handoff committed")

	return HandoffResult{Outcome: OutcomeSuccess, TxID: txID, LatencyMS: latency}
}

// commitBoth issues both commits in parallel with independent deadlines.
func (c *Coordinator) commitBoth(ctx context.Context, txID, rideID string, transferred *ride.Ride, src, tgt *client.Regional) (srcErr, tgtErr error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		commitCtx, cancel := context.WithTimeout(ctx, c.commitDeadline)
		defer cancel()
		_, tgtErr = tgt.Commit(commitCtx, region.CommitRequest{
			RideID:    rideID,
			TxID:      txID,
			Operation: region.OpInsert,
			RideData:  transferred,
		})
	}()

	commitCtx, cancel := context.WithTimeout(ctx, c.commitDeadline)
	_, srcErr = src.Commit(commitCtx, region.CommitRequest{
		RideID:    rideID,
		TxID:      txID,
		Operation: region.OpDelete,
	})
	cancel()

	<-done
	return srcErr, tgtErr
}

// rollback fans abort out to both participants, closes the transaction as
// ABORTED and reports the outcome.
func (c *Coordinator) rollback(ctx context.Context, txID string, start time.Time, reason string, hlog *log.Entry) HandoffResult {
	c.abortFanOut(ctx, txID)

	if err := c.txlog.MarkAborted(txID, reason); err != nil {
		hlog.WithError(err).Error("Failed to persist ABORTED")
	}
	c.metrics.RecordHandoffAbort()
	hlog.WithField("reason", reason).Warn("Handoff aborted")

	return HandoffResult{
		Outcome:   OutcomeAborted,
		TxID:      txID,
		Reason:    reason,
		LatencyMS: msSince(start),
	}
}

// abortFanOut sends abort to every participant. Aborts are idempotent and
// unknown tx ids are ignored, so failures here only get logged.
func (c *Coordinator) abortFanOut(ctx context.Context, txID string) {
	for reg, cl := range c.regions {
		abortCtx, cancel := context.WithTimeout(ctx, c.prepareDeadline)
		if err := cl.Abort(abortCtx, txID); err != nil {
			log.WithFields(log.Fields{"tx_id": txID, "region": reg}).
				WithError(err).Warn("Abort fan-out failed")
		}
		cancel()
	}
}

// Region returns the client for a region, nil when unknown.
func (c *Coordinator) Region(reg ride.Region) *client.Regional {
	return c.regions[reg]
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
