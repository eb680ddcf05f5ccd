package coord

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/txlog"
)

// RecoveryScanner finds transactions stranded by a coordinator crash and
// drives them to a terminal state: PREPARED records are rolled forward by
// replaying the commit phase, STARTED records are rolled back.
type RecoveryScanner struct {
	coordinator *Coordinator
	grace       time.Duration
}

// NewRecoveryScanner creates a scanner with the given grace window. Records
// younger than the window are assumed to still have a live driver.
func NewRecoveryScanner(c *Coordinator, grace time.Duration) *RecoveryScanner {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &RecoveryScanner{coordinator: c, grace: grace}
}

// Start runs one scan immediately and then one per grace window until the
// context is cancelled.
func (rs *RecoveryScanner) Start(ctx context.Context) {
	rs.ScanOnce(ctx)

	ticker := time.NewTicker(rs.grace)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.ScanOnce(ctx)
		}
	}
}

// ScanOnce processes every stuck transaction once and returns how many it
// touched.
func (rs *RecoveryScanner) ScanOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-rs.grace)
	touched := 0

	for _, rec := range rs.coordinator.txlog.InStateOlderThan(txlog.StatusPrepared, cutoff) {
		rs.replayCommit(ctx, rec)
		touched++
	}
	for _, rec := range rs.coordinator.txlog.InStateOlderThan(txlog.StatusStarted, cutoff) {
		rs.abortStale(ctx, rec)
		touched++
	}
	return touched
}

// replayCommit re-issues both commits for a PREPARED transaction. The ride
// snapshot was lost with the crashed coordinator, so the target commit goes
// out without ride data and the participant rebuilds the document from its
// cached prepare snapshot.
func (rs *RecoveryScanner) replayCommit(ctx context.Context, rec *txlog.Record) {
	c := rs.coordinator
	rlog := log.WithFields(log.Fields{"tx_id": rec.TxID, "ride_id": rec.RideID})
	rlog.Warn("Recovering prepared transaction, replaying commit phase")

	src := c.regions[rec.SourceRegion]
	tgt := c.regions[rec.TargetRegion]
	if src == nil || tgt == nil {
		rlog.Error("No client for transaction region, skipping")
		return
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.commitDeadline)
	_, tgtErr := tgt.Commit(commitCtx, region.CommitRequest{
		RideID:    rec.RideID,
		TxID:      rec.TxID,
		Operation: region.OpInsert,
	})
	cancel()

	commitCtx, cancel = context.WithTimeout(ctx, c.commitDeadline)
	_, srcErr := src.Commit(commitCtx, region.CommitRequest{
		RideID:    rec.RideID,
		TxID:      rec.TxID,
		Operation: region.OpDelete,
	})
	cancel()

	if srcErr != nil || tgtErr != nil {
		// Still stuck; the next scan retries.
		rlog.WithFields(log.Fields{"source_err": srcErr, "target_err": tgtErr}).
			Error("Commit replay incomplete")
		return
	}

	latency := float64(time.Since(rec.CreatedAt).Microseconds()) / 1000.0
	if err := c.txlog.MarkCommitted(rec.TxID, "Committed by recovery", latency); err != nil {
		rlog.WithError(err).Error("Failed to persist recovered COMMITTED")
		return
	}
	c.metrics.RecordRecoveryCommit()
	rlog.Info("Transaction recovered to COMMITTED")
}

// abortStale rolls back a transaction that never reached PREPARED.
func (rs *RecoveryScanner) abortStale(ctx context.Context, rec *txlog.Record) {
	c := rs.coordinator
	rlog := log.WithFields(log.Fields{"tx_id": rec.TxID, "ride_id": rec.RideID})
	rlog.Warn("Recovering stale started transaction, aborting")

	c.abortFanOut(ctx, rec.TxID)

	if err := c.txlog.MarkAborted(rec.TxID, "Aborted by recovery: transaction exceeded grace window"); err != nil {
		rlog.WithError(err).Error("Failed to persist recovered ABORTED")
		return
	}
	c.metrics.RecordRecoveryAbort()
	rlog.Info("Transaction recovered to ABORTED")
}
