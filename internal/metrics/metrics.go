package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the cycle detection pipeline.
type Metrics struct {
	// Mempool metrics
	PendingTxSeen       prometheus.Counter
	PendingTxDiscarded  *prometheus.CounterVec
	CandidatesPublished prometheus.Counter
	CandidatesDropped   prometheus.Counter

	// Block sync metrics
	SyncEventsApplied prometheus.Counter
	BlocksProcessed   prometheus.Counter
	BlocksSkipped     prometheus.Counter
	LastBlockSeen     prometheus.Gauge
	NextBaseFee       prometheus.Gauge

	// Graph metrics
	PoolsTracked  prometheus.Gauge
	TokensTracked prometheus.Gauge
	CyclesIndexed prometheus.Gauge

	// Detection metrics
	DetectionLatency        prometheus.Histogram
	CyclesEvaluated         prometheus.Counter
	ProfitableOpportunities prometheus.Counter

	// Pipeline metrics
	PipelineLatency prometheus.Histogram

	// System metrics
	WebSocketStatus  prometheus.Gauge
	Reconnects       prometheus.Counter
	BootstrapLatency prometheus.Histogram

	server *http.Server
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		PendingTxSeen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_pending_tx_seen_total",
				Help: "Total number of distinct pending transaction hashes received",
			},
		),
		PendingTxDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cyclewatch_pending_tx_discarded_total",
				Help: "Pending transactions discarded before publication, by reason",
			},
			[]string{"reason"},
		),
		CandidatesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_candidates_published_total",
				Help: "Total number of candidates handed to the detector",
			},
		),
		CandidatesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_candidates_dropped_total",
				Help: "Total number of candidates dropped because the queue was full",
			},
		),
		SyncEventsApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_sync_events_applied_total",
				Help: "Total number of confirmed Sync events applied to live reserves",
			},
		),
		BlocksProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_blocks_processed_total",
				Help: "Total number of blocks scanned for Sync events",
			},
		),
		BlocksSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_blocks_skipped_total",
				Help: "Total number of blocks skipped because the node could not serve them",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_last_block_seen",
				Help: "Last block number applied to live reserves",
			},
		),
		NextBaseFee: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_next_base_fee_gwei",
				Help: "Projected base fee of the next block in gwei",
			},
		),
		PoolsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_pools_tracked",
				Help: "Number of pools in the graph",
			},
		),
		TokensTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_tokens_tracked",
				Help: "Number of distinct tokens in the graph",
			},
		),
		CyclesIndexed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_cycles_indexed",
				Help: "Number of cycles through the base token",
			},
		),
		DetectionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cyclewatch_detection_latency_seconds",
				Help:    "Time to apply, rank and revert one candidate",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
			},
		),
		CyclesEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_cycles_evaluated_total",
				Help: "Total number of cycles priced by the optimal-input search",
			},
		),
		ProfitableOpportunities: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_profitable_opportunities_total",
				Help: "Total number of opportunities reported",
			},
		),
		PipelineLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cyclewatch_pipeline_latency_seconds",
				Help:    "Latency from candidate arrival to opportunity report",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
		),
		WebSocketStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclewatch_websocket_connected",
				Help: "Pending transaction feed status (1=connected, 0=disconnected)",
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cyclewatch_reconnects_total",
				Help: "Total number of subscription reconnect attempts",
			},
		),
		BootstrapLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cyclewatch_bootstrap_latency_seconds",
				Help:    "Time to load the pool snapshot and build the graph",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4 minutes
			},
		),
	}

	prometheus.MustRegister(
		m.PendingTxSeen,
		m.PendingTxDiscarded,
		m.CandidatesPublished,
		m.CandidatesDropped,
		m.SyncEventsApplied,
		m.BlocksProcessed,
		m.BlocksSkipped,
		m.LastBlockSeen,
		m.NextBaseFee,
		m.PoolsTracked,
		m.TokensTracked,
		m.CyclesIndexed,
		m.DetectionLatency,
		m.CyclesEvaluated,
		m.ProfitableOpportunities,
		m.PipelineLatency,
		m.WebSocketStatus,
		m.Reconnects,
		m.BootstrapLatency,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordPendingTx increments the distinct pending transaction counter.
func (m *Metrics) RecordPendingTx() {
	m.PendingTxSeen.Inc()
}

// RecordTxDiscarded counts a pending transaction dropped for reason.
func (m *Metrics) RecordTxDiscarded(reason string) {
	m.PendingTxDiscarded.WithLabelValues(reason).Inc()
}

// RecordCandidatePublished counts a candidate accepted by the queue.
func (m *Metrics) RecordCandidatePublished() {
	m.CandidatesPublished.Inc()
}

// RecordCandidateDropped counts a candidate rejected by a full queue.
func (m *Metrics) RecordCandidateDropped() {
	m.CandidatesDropped.Inc()
}

// RecordBlockProcessed records a scanned block and the Sync events applied from it.
func (m *Metrics) RecordBlockProcessed(block uint64, applied int) {
	m.BlocksProcessed.Inc()
	m.SyncEventsApplied.Add(float64(applied))
	m.LastBlockSeen.Set(float64(block))
}

// RecordBlockSkipped counts a block whose Sync events were not applied.
func (m *Metrics) RecordBlockSkipped() {
	m.BlocksSkipped.Inc()
}

// SetNextBaseFee records the projected base fee in wei.
func (m *Metrics) SetNextBaseFee(wei float64) {
	m.NextBaseFee.Set(wei / 1e9)
}

// RecordGraphStats updates the graph size gauges.
func (m *Metrics) RecordGraphStats(pools, tokens, cycles int) {
	m.PoolsTracked.Set(float64(pools))
	m.TokensTracked.Set(float64(tokens))
	m.CyclesIndexed.Set(float64(cycles))
}

// RecordDetectionLatency records the time spent on one candidate under the state lock.
func (m *Metrics) RecordDetectionLatency(d time.Duration, cycles int) {
	m.DetectionLatency.Observe(d.Seconds())
	m.CyclesEvaluated.Add(float64(cycles))
}

// RecordProfitableOpportunity increments the reported opportunities counter.
func (m *Metrics) RecordProfitableOpportunity() {
	m.ProfitableOpportunities.Inc()
}

// RecordPipelineLatency records the full pipeline latency.
func (m *Metrics) RecordPipelineLatency(d time.Duration) {
	m.PipelineLatency.Observe(d.Seconds())
}

// SetWebSocketConnected sets the WebSocket connection status.
func (m *Metrics) SetWebSocketConnected(connected bool) {
	if connected {
		m.WebSocketStatus.Set(1)
	} else {
		m.WebSocketStatus.Set(0)
	}
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordBootstrapLatency records the bootstrap duration.
func (m *Metrics) RecordBootstrapLatency(d time.Duration) {
	m.BootstrapLatency.Observe(d.Seconds())
}
