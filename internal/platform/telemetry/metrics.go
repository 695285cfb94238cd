// Package telemetry holds the Prometheus metrics of the migration worker.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item kinds used as the "kind" label of the progress gauges.
const (
	KindImage = "image"
	KindPDF   = "pdf"
)

// MigrationMetrics contains Prometheus metrics for the migration engine
type MigrationMetrics struct {
	registry *prometheus.Registry

	cyclesTotal        *prometheus.CounterVec
	batchDuration      *prometheus.HistogramVec
	patientsTotal      prometheus.Counter
	groupsTotal        *prometheus.CounterVec
	attachmentsTotal   prometheus.Counter
	skippedItemsTotal  prometheus.Counter
	duplicateItems     prometheus.Counter
	reconnectsTotal    *prometheus.CounterVec
	statsErrorsTotal   prometheus.Counter
	migratedItemsGauge *prometheus.GaugeVec
	pendingItemsGauge  *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewMigrationMetrics creates and registers the migration metrics
func NewMigrationMetrics(registry *prometheus.Registry) (*MigrationMetrics, error) {
	m := &MigrationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MigrationMetrics) initMetrics() {
	m.cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_cycles_total",
			Help: "Total number of engine cycles by outcome",
		},
		[]string{"outcome"}, // gated, reconnected, reconnect_failed, idle, committed, rolled_back
	)

	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migration_batch_duration_seconds",
			Help:    "Time from batch start to commit or rollback",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		[]string{"status"}, // committed, rolled_back
	)

	m.patientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_patients_processed_total",
		Help: "Total number of patients processed inside committed or pending batches",
	})

	m.groupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_groups_total",
			Help: "Total number of encounter groups handled",
		},
		[]string{"result"}, // written, abandoned
	)

	m.attachmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_attachments_written_total",
		Help: "Total number of attachment rows written",
	})

	m.skippedItemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_items_skipped_total",
		Help: "Total number of items ledgered without a target row",
	})

	m.duplicateItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_duplicate_items_total",
		Help: "Total number of duplicate origin ids dropped while grouping",
	})

	m.reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migration_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"status"}, // success, error
	)

	m.statsErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_stats_errors_total",
		Help: "Total number of failed progress queries",
	})

	m.migratedItemsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migration_migrated_items",
			Help: "Ledgered source items at the last progress query",
		},
		[]string{"kind"},
	)

	m.pendingItemsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migration_pending_items",
			Help: "Pending source items at the last progress query",
		},
		[]string{"kind"},
	)

	m.collectors = []prometheus.Collector{
		m.cyclesTotal,
		m.batchDuration,
		m.patientsTotal,
		m.groupsTotal,
		m.attachmentsTotal,
		m.skippedItemsTotal,
		m.duplicateItems,
		m.reconnectsTotal,
		m.statsErrorsTotal,
		m.migratedItemsGauge,
		m.pendingItemsGauge,
	}
}

// Describe implements the Collector interface
func (m *MigrationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MigrationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordCycle counts one engine cycle.
func (m *MigrationMetrics) RecordCycle(outcome string) {
	m.cyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordBatch observes the duration of a finished batch.
func (m *MigrationMetrics) RecordBatch(status string, d time.Duration) {
	m.batchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *MigrationMetrics) RecordPatient() {
	m.patientsTotal.Inc()
}

// RecordGroup counts a written or abandoned group and its items.
func (m *MigrationMetrics) RecordGroup(abandoned bool, written, skipped int) {
	result := "written"
	if abandoned {
		result = "abandoned"
	}
	m.groupsTotal.WithLabelValues(result).Inc()
	m.attachmentsTotal.Add(float64(written))
	m.skippedItemsTotal.Add(float64(skipped))
}

func (m *MigrationMetrics) RecordDuplicates(n int) {
	m.duplicateItems.Add(float64(n))
}

func (m *MigrationMetrics) RecordReconnect(ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.reconnectsTotal.WithLabelValues(status).Inc()
}

func (m *MigrationMetrics) RecordStatsError() {
	m.statsErrorsTotal.Inc()
}

// SetProgress updates the progress gauges.
func (m *MigrationMetrics) SetProgress(migratedImages, migratedPDFs, pendingImages, pendingPDFs int64) {
	m.migratedItemsGauge.WithLabelValues(KindImage).Set(float64(migratedImages))
	m.migratedItemsGauge.WithLabelValues(KindPDF).Set(float64(migratedPDFs))
	m.pendingItemsGauge.WithLabelValues(KindImage).Set(float64(pendingImages))
	m.pendingItemsGauge.WithLabelValues(KindPDF).Set(float64(pendingPDFs))
}
