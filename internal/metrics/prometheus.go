package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorum-lab/votebench/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the benchmark driver.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	CurrentTPS    prometheus.Gauge
	TargetTPS     prometheus.Gauge
	PendingTxs    prometheus.Gauge
	BlockInterval prometheus.Gauge
	RunStatus     *prometheus.GaugeVec

	// Histograms
	ConfirmDelay   *prometheus.HistogramVec
	SubmitLateness prometheus.Histogram
	RPCLatency     *prometheus.HistogramVec

	// Error tracking
	ErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebench_transactions_total",
				Help: "Vote transactions by terminal status and phase",
			},
			[]string{"status", "phase"},
		),

		CurrentTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebench_current_tps",
				Help: "Confirmed transactions per second over the run so far",
			},
		),

		TargetTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebench_target_tps",
				Help: "Target transactions per second of the active phase",
			},
		),

		PendingTxs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebench_pending_transactions",
				Help: "Submitted transactions awaiting a receipt",
			},
		),

		BlockInterval: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "votebench_block_interval_seconds",
				Help: "Most recent observed gap between consecutive blocks",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "votebench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ConfirmDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votebench_confirmation_delay_seconds",
				Help:    "Delay from submission to mined receipt",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 240},
			},
			[]string{"phase"},
		),

		SubmitLateness: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "votebench_submission_lateness_seconds",
				Help:    "How far behind schedule each transaction was submitted",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "votebench_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "votebench_errors_total",
				Help: "Errors by category",
			},
			[]string{"category"},
		),
	}
}

// RecordTx records a transaction reaching a terminal status.
func (m *PrometheusMetrics) RecordTx(status types.TxStatus, phase string) {
	m.TxTotal.WithLabelValues(string(status), phase).Inc()
}

// RecordConfirmDelay records one confirmation delay.
func (m *PrometheusMetrics) RecordConfirmDelay(phase string, delaySeconds float64) {
	m.ConfirmDelay.WithLabelValues(phase).Observe(delaySeconds)
}

// RecordLateness records how far behind schedule a submission ran.
func (m *PrometheusMetrics) RecordLateness(seconds float64) {
	m.SubmitLateness.Observe(seconds)
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionReceipt": true,
	"eth_getBlockByNumber":      true,
	"eth_blockNumber":           true,
	"eth_getTransactionCount":   true,
	"eth_gasPrice":              true,
	"eth_chainId":               true,
	"eth_call":                  true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latencySeconds float64) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latencySeconds)
}

// RecordError records an error.
func (m *PrometheusMetrics) RecordError(category string) {
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// SetCurrentTPS updates the current TPS gauge.
func (m *PrometheusMetrics) SetCurrentTPS(tps float64) {
	m.CurrentTPS.Set(tps)
}

// SetTargetTPS updates the target TPS gauge.
func (m *PrometheusMetrics) SetTargetTPS(tps float64) {
	m.TargetTPS.Set(tps)
}

// SetPendingTxs updates the pending transactions gauge.
func (m *PrometheusMetrics) SetPendingTxs(count int64) {
	m.PendingTxs.Set(float64(count))
}

// SetBlockInterval updates the latest observed block interval.
func (m *PrometheusMetrics) SetBlockInterval(seconds float64) {
	m.BlockInterval.Set(seconds)
}

// runStatuses enumerates every state the status gauge reports on.
var runStatuses = []types.RunStatus{
	types.StatusIdle,
	types.StatusPreparing,
	types.StatusRunning,
	types.StatusFinalizing,
	types.StatusVerifying,
	types.StatusCompleted,
	types.StatusError,
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range runStatuses {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}
