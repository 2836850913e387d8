// Package metrics provides Prometheus metrics for the batch control engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives run outcome counters. Emission is fire-and-forget; no method
// returns an error and implementations must never block the run.
type Sink interface {
	IncBatchSuccess(relation string)
	IncBatchFailure(relation string)
	AddSourceBytes(relation string, bytes float64)
	AddSourceBytesUncompressedEstimate(relation string, bytes float64)
	AddSourceFiles(relation string, count float64)
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool
	Address   string // metrics HTTP server address, e.g. ":9090"
	Namespace string
}

// Prom is the prometheus-backed Sink.
type Prom struct {
	batchSuccess      *prometheus.CounterVec
	batchFailure      *prometheus.CounterVec
	sourceBytes       *prometheus.CounterVec
	sourceBytesUncomp *prometheus.CounterVec
	sourceFiles       *prometheus.CounterVec
}

// NewProm registers the control-engine metrics under the namespace.
func NewProm(namespace string) *Prom {
	if namespace == "" {
		namespace = "lakerail"
	}
	return &Prom{
		batchSuccess: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_success_total",
				Help:      "Total number of successful batch loads",
			},
			[]string{"relation"},
		),
		batchFailure: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_failure_total",
				Help:      "Total number of failed batch runs",
			},
			[]string{"relation"},
		),
		sourceBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_data_processed_bytes_total",
				Help:      "Compressed bytes of source data processed",
			},
			[]string{"relation"},
		),
		sourceBytesUncomp: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_data_processed_uncompressed_estimate_bytes_total",
				Help:      "Estimated uncompressed bytes of source data processed",
			},
			[]string{"relation"},
		),
		sourceFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_files_processed_total",
				Help:      "Total number of source files processed",
			},
			[]string{"relation"},
		),
	}
}

func (p *Prom) IncBatchSuccess(relation string) {
	p.batchSuccess.WithLabelValues(relation).Inc()
}

func (p *Prom) IncBatchFailure(relation string) {
	p.batchFailure.WithLabelValues(relation).Inc()
}

func (p *Prom) AddSourceBytes(relation string, bytes float64) {
	p.sourceBytes.WithLabelValues(relation).Add(bytes)
}

func (p *Prom) AddSourceBytesUncompressedEstimate(relation string, bytes float64) {
	p.sourceBytesUncomp.WithLabelValues(relation).Add(bytes)
}

func (p *Prom) AddSourceFiles(relation string, count float64) {
	p.sourceFiles.WithLabelValues(relation).Add(count)
}

// Noop discards all observations.
type Noop struct{}

func (Noop) IncBatchSuccess(string)                             {}
func (Noop) IncBatchFailure(string)                             {}
func (Noop) AddSourceBytes(string, float64)                     {}
func (Noop) AddSourceBytesUncompressedEstimate(string, float64) {}
func (Noop) AddSourceFiles(string, float64)                     {}

// StartServer starts an HTTP server for Prometheus scraping. Blocks until
// the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}
