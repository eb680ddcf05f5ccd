package coord

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ridemesh/ridemesh/pkg/client"
	"github.com/ridemesh/ridemesh/pkg/metrics"
	"github.com/ridemesh/ridemesh/pkg/ride"
)

// HealthMonitor polls every participant's /health endpoint and publishes a
// boolean healthy flag per region. The coordinator reads the flag at
// admission time only; in-flight transactions are never cancelled by a flip.
type HealthMonitor struct {
	regions      map[ride.Region]*client.Regional
	pollInterval time.Duration
	probeTimeout time.Duration
	metrics      *metrics.Collector

	mu      sync.RWMutex
	healthy map[ride.Region]bool
}

// NewHealthMonitor creates a monitor. All regions start healthy so handoffs
// admitted before the first poll are not spuriously buffered.
func NewHealthMonitor(regions map[ride.Region]*client.Regional, pollInterval, probeTimeout time.Duration, collector *metrics.Collector) *HealthMonitor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	healthy := make(map[ride.Region]bool, len(regions))
	for reg := range regions {
		healthy[reg] = true
	}

	return &HealthMonitor{
		regions:      regions,
		pollInterval: pollInterval,
		probeTimeout: probeTimeout,
		metrics:      collector,
		healthy:      healthy,
	}
}

// Healthy reports the last observed health of a region. Unknown regions are
// unhealthy.
func (hm *HealthMonitor) Healthy(reg ride.Region) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.healthy[reg]
}

// SetHealthy overrides a region's flag. Used by operators to drain a region
// and by tests.
func (hm *HealthMonitor) SetHealthy(reg ride.Region, ok bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.healthy[reg] = ok
}

// Snapshot returns a copy of the health table.
func (hm *HealthMonitor) Snapshot() map[ride.Region]bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := make(map[ride.Region]bool, len(hm.healthy))
	for reg, ok := range hm.healthy {
		out[reg] = ok
	}
	return out
}

// Start runs the poll loop until the context is cancelled. The first poll
// happens immediately.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.pollAll(ctx)

	ticker := time.NewTicker(hm.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.pollAll(ctx)
		}
	}
}

func (hm *HealthMonitor) pollAll(ctx context.Context) {
	for reg, cl := range hm.regions {
		probeCtx, cancel := context.WithTimeout(ctx, hm.probeTimeout)
		health, err := cl.Health(probeCtx)
		cancel()

		ok := err == nil && health.Status == "healthy"
		hm.metrics.RecordHealthProbe(ok)

		hm.mu.Lock()
		was := hm.healthy[reg]
		hm.healthy[reg] = ok
		hm.mu.Unlock()

		if was != ok {
			entry := log.WithField("region", reg)
			if ok {
				entry.Info("Region became healthy")
			} else {
				entry.WithError(err).Warn("Region became unhealthy")
			}
		}
	}
}
