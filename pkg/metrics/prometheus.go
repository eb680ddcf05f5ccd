package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// PrometheusExporter exports metrics in Prometheus text format
type PrometheusExporter struct {
	collector *Collector
	namespace string // Metric namespace prefix (e.g., "ridemesh")
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	return &PrometheusExporter{
		collector: collector,
		namespace: "ridemesh",
	}
}

// SetNamespace sets the metric namespace prefix
func (pe *PrometheusExporter) SetNamespace(namespace string) {
	pe.namespace = namespace
}

// WriteMetrics writes all metrics in Prometheus text format to the writer
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	uptime := time.Since(pe.collector.startTime).Seconds()
	if err := pe.writeGauge(w, "uptime_seconds", "Process uptime in seconds", uptime); err != nil {
		return err
	}

	// Handoff metrics
	if err := pe.writeCounter(w, "handoffs_started_total", "Total number of handoffs admitted", atomic.LoadUint64(&pe.collector.handoffsStarted)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "handoffs_committed_total", "Total number of committed handoffs", atomic.LoadUint64(&pe.collector.handoffsCommitted)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "handoffs_aborted_total", "Total number of aborted handoffs", atomic.LoadUint64(&pe.collector.handoffsAborted)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "handoffs_buffered_total", "Total number of buffered handoffs", atomic.LoadUint64(&pe.collector.handoffsBuffered)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "handoff_duration_nanoseconds_total", "Total handoff execution time in nanoseconds", atomic.LoadUint64(&pe.collector.totalHandoffTime)); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "handoff_duration_seconds", "Handoff execution duration histogram", pe.collector.handoffTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "handoff_duration_seconds", pe.collector.handoffTimings); err != nil {
		return err
	}

	// Query metrics
	if err := pe.writeCounter(w, "queries_total", "Total number of routed queries", atomic.LoadUint64(&pe.collector.queriesExecuted)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "queries_failed_total", "Total number of failed queries", atomic.LoadUint64(&pe.collector.queriesFailed)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "query_duration_nanoseconds_total", "Total query execution time in nanoseconds", atomic.LoadUint64(&pe.collector.totalQueryTime)); err != nil {
		return err
	}
	if err := pe.writeHistogram(w, "query_duration_seconds", "Query execution duration histogram", pe.collector.queryTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "query_duration_seconds", pe.collector.queryTimings); err != nil {
		return err
	}

	// Ride write metrics
	if err := pe.writeCounter(w, "rides_inserted_total", "Total number of ride inserts", atomic.LoadUint64(&pe.collector.ridesInserted)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "rides_updated_total", "Total number of ride updates", atomic.LoadUint64(&pe.collector.ridesUpdated)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "rides_deleted_total", "Total number of ride deletes", atomic.LoadUint64(&pe.collector.ridesDeleted)); err != nil {
		return err
	}

	// Recovery metrics
	if err := pe.writeCounter(w, "recovery_commits_total", "Total stuck transactions rolled forward", atomic.LoadUint64(&pe.collector.recoveryCommits)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "recovery_aborts_total", "Total stuck transactions rolled back", atomic.LoadUint64(&pe.collector.recoveryAborts)); err != nil {
		return err
	}

	// Replication metrics
	if err := pe.writeCounter(w, "replicated_inserts_total", "Total replicated insert events", atomic.LoadUint64(&pe.collector.replicatedInserts)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "replicated_updates_total", "Total replicated update events", atomic.LoadUint64(&pe.collector.replicatedUpdates)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "replicated_deletes_total", "Total replicated delete events", atomic.LoadUint64(&pe.collector.replicatedDeletes)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "replicator_resyncs_total", "Total full replica resyncs", atomic.LoadUint64(&pe.collector.replicatorResyncs)); err != nil {
		return err
	}

	// Health monitor metrics
	if err := pe.writeCounter(w, "health_probes_total", "Total regional health probes", atomic.LoadUint64(&pe.collector.healthProbes)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "health_probe_failures_total", "Total failed regional health probes", atomic.LoadUint64(&pe.collector.healthFailures)); err != nil {
		return err
	}

	return nil
}

// writeCounter writes a counter metric
func (pe *PrometheusExporter) writeCounter(w io.Writer, name, help string, value uint64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeGauge writes a gauge metric
func (pe *PrometheusExporter) writeGauge(w io.Writer, name, help string, value float64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeHistogram writes histogram metrics from timing data
func (pe *PrometheusExporter) writeHistogram(w io.Writer, name, help string, th *TimingHistogram) error {
	metricName := pe.namespace + "_" + name

	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", metricName, help, metricName); err != nil {
		return err
	}

	buckets := th.GetBuckets()

	// Prometheus histogram buckets are cumulative
	var cumulative uint64

	cumulative += buckets["0-1ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.001\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["1-10ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.01\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["10-100ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.1\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets["100-1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"1.0\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	cumulative += buckets[">1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%s_count %d\n", metricName, cumulative); err != nil {
		return err
	}

	return nil
}

// writePercentiles writes percentile metrics as gauges
func (pe *PrometheusExporter) writePercentiles(w io.Writer, baseName string, th *TimingHistogram) error {
	percentiles := th.GetPercentiles()

	if err := pe.writeGauge(w, baseName+"_p50",
		fmt.Sprintf("50th percentile of %s", baseName),
		percentiles["p50"].Seconds()); err != nil {
		return err
	}

	if err := pe.writeGauge(w, baseName+"_p95",
		fmt.Sprintf("95th percentile of %s", baseName),
		percentiles["p95"].Seconds()); err != nil {
		return err
	}

	if err := pe.writeGauge(w, baseName+"_p99",
		fmt.Sprintf("99th percentile of %s", baseName),
		percentiles["p99"].Seconds()); err != nil {
		return err
	}

	return nil
}
