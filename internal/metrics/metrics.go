// Package metrics exposes read-only Prometheus gauges over the FSA/QB/MSA
// scheduling state for status front ends to scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FSA gauges, one series per host alias.
	ActiveTransfers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afd_fsa_active_transfers",
			Help: "Currently dispatched transfers per host",
		},
		[]string{"host_alias"},
	)

	ErrorCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afd_fsa_error_counter",
			Help: "Consecutive transfer errors per host since the last success",
		},
		[]string{"host_alias"},
	)

	TotalFileCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afd_fsa_total_file_counter",
			Help: "Files currently queued for a host",
		},
		[]string{"host_alias"},
	)

	TotalFileSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afd_fsa_total_file_size_bytes",
			Help: "Bytes currently queued for a host",
		},
		[]string{"host_alias"},
	)

	// QBDepth is the number of live (non-removed) entries in the queue.
	QBDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afd_qb_depth",
			Help: "Number of live entries in the queue buffer",
		},
	)

	// MSAConnectStatus mirrors afd_mon's per-remote connection state
	// (1 = connected, 0 = disconnected).
	MSAConnectStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "afd_msa_connect_status",
			Help: "Whether afd_mon's AFDD connection to a remote AFD is up",
		},
		[]string{"afd_alias"},
	)

	TransfersCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afd_transfers_completed_total",
			Help: "Total completed transfers per host and outcome",
		},
		[]string{"host_alias", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveTransfers,
		ErrorCounter,
		TotalFileCounter,
		TotalFileSize,
		QBDepth,
		MSAConnectStatus,
		TransfersCompletedTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
