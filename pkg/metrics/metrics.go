// Package metrics provides Prometheus metrics for Stratus connectors.
//
// Metrics are registered with promauto on the default registry. Labels keep
// cardinality low: connector name and a success/failure status.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectAttempts counts connection attempts per connector.
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_connect_attempts_total",
			Help: "Total connection attempts by connector and status",
		},
		[]string{"connector", "status"},
	)

	// StatementsExecuted counts SQL statements executed per connector.
	StatementsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_statements_executed_total",
			Help: "Total SQL statements executed by connector and status",
		},
		[]string{"connector", "status"},
	)

	// StatementDuration tracks statement execution latency.
	StatementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_statement_duration_seconds",
			Help:    "SQL statement execution duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"connector"},
	)

	// RowsFetched counts rows returned by fetch operations.
	RowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_rows_fetched_total",
			Help: "Total rows fetched by connector",
		},
		[]string{"connector"},
	)

	// BytesUploaded counts bytes uploaded to object storage.
	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stratus_bytes_uploaded_total",
			Help: "Total bytes uploaded to object storage",
		},
	)

	// CredentialRefreshes counts credential refresh outcomes.
	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_credential_refreshes_total",
			Help: "Total credential refresh attempts by status",
		},
		[]string{"status"},
	)

	// TransferJobs counts transfer job outcomes.
	TransferJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_transfer_jobs_total",
			Help: "Total transfer jobs by status",
		},
		[]string{"status"},
	)

	// TransferDuration tracks per-job transfer duration.
	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stratus_transfer_duration_seconds",
			Help:    "Transfer job duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StatusOf maps an error to a status label value.
func StatusOf(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}

// ObserveStatement records one statement execution.
func ObserveStatement(connector string, d time.Duration, err error) {
	StatementsExecuted.WithLabelValues(connector, StatusOf(err)).Inc()
	StatementDuration.WithLabelValues(connector).Observe(d.Seconds())
}
