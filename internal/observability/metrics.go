package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument Courier exports.
type Metrics struct {
	BundlesTotal        *prometheus.CounterVec
	BundlesActive       prometheus.Gauge
	BundleDuration      prometheus.Histogram
	BytesTransferred    *prometheus.CounterVec
	ChunksSentTotal     prometheus.Counter
	ChunksReceivedTotal prometheus.Counter
	ChunksRetransmitted *prometheus.CounterVec

	SmoothedRTTMs    prometheus.Gauge
	RetransmitTOMs   prometheus.Gauge
	SACKsSentTotal   prometheus.Counter
	WindowOccupancy  prometheus.Gauge

	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityChunksSentTotal       prometheus.Counter

	CustodyRecordsActive  prometheus.Gauge
	CustodyTransfersTotal *prometheus.CounterVec
	CustodyRetriesTotal   prometheus.Counter

	StoreOperationsTotal *prometheus.CounterVec
	BundlesExpiredTotal  prometheus.Counter
}

// NewMetrics constructs and registers all Courier metrics against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		BundlesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_bundles_total", Help: "Total bundles handled, by outcome"},
			[]string{"outcome"},
		),
		BundlesActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_bundles_active", Help: "Bundles currently sending or receiving"},
		),
		BundleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_bundle_duration_seconds",
				Help:    "Time from send start to delivery confirmation",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		BytesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_bytes_transferred_total", Help: "Bytes transferred, by direction"},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_chunks_sent_total", Help: "Total chunks sent"},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_chunks_received_total", Help: "Total chunks received"},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_chunks_retransmitted_total", Help: "Chunks retransmitted after timeout"},
			[]string{"bundle_id"},
		),
		SmoothedRTTMs: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_smoothed_rtt_ms", Help: "Most recently observed smoothed RTT across active sends"},
		),
		RetransmitTOMs: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_retransmit_timeout_ms", Help: "Most recently computed RTO across active sends"},
		),
		SACKsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_sacks_sent_total", Help: "Total SACK datagrams sent"},
		),
		WindowOccupancy: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_window_occupancy", Help: "window_end - window_start for the most recently updated send"},
		),
		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_fec_enabled", Help: "FEC enabled for the most recently created bundle (0/1)"},
		),
		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_fec_reconstructions_total", Help: "Chunks recovered via XOR FEC"},
		),
		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_fec_reconstruction_failures_total", Help: "FEC recovery attempts that could not proceed"},
		),
		FECParityChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_fec_parity_chunks_sent_total", Help: "Parity chunks transmitted"},
		),
		CustodyRecordsActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "courier_custody_records_active", Help: "Custody records not yet complete or failed"},
		),
		CustodyTransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_custody_transfers_total", Help: "Custody transfer outcomes"},
			[]string{"outcome"},
		),
		CustodyRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_custody_retries_total", Help: "Custody forwarding retry attempts"},
		),
		StoreOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_store_operations_total", Help: "Durable store operations, by operation and result"},
			[]string{"operation", "result"},
		),
		BundlesExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "courier_bundles_expired_total", Help: "Bundles removed by TTL cleanup"},
		),
	}
}

// RecordBundleStart marks one more bundle as active.
func (m *Metrics) RecordBundleStart() {
	m.BundlesActive.Inc()
}

// RecordBundleComplete records a bundle leaving the active set.
func (m *Metrics) RecordBundleComplete(outcome string, durationSeconds float64) {
	m.BundlesActive.Dec()
	m.BundlesTotal.WithLabelValues(outcome).Inc()
	m.BundleDuration.Observe(durationSeconds)
}

// RecordChunkSent updates counters for one transmitted chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferred.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates counters for one received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferred.WithLabelValues("received").Add(float64(bytes))
}

// RecordRTOUpdate publishes the latest smoothed RTT / RTO sample.
func (m *Metrics) RecordRTOUpdate(srttMs, rtoMs float64) {
	m.SmoothedRTTMs.Set(srttMs)
	m.RetransmitTOMs.Set(rtoMs)
}

// RecordFECReconstruction updates FEC recovery counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// RecordStoreOperation updates the store operation counter.
func (m *Metrics) RecordStoreOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
