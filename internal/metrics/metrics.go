// Package metrics exposes the orchestrator's Prometheus instrumentation:
// gauges for pool and record-set state, histograms for the latency of
// the operations spec.md §5 calls out as suspension points. Grounded on
// the corpus's GaugeVec/HistogramVec registration pattern; the HTTP
// exposition server is plain net/http since this module carries no REST
// route layer to attach middleware to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VMsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmcore_vms_active",
			Help: "Number of VM records by status",
		},
		[]string{"status"},
	)

	TAPPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmcore_tap_pool_available",
			Help: "Number of unallocated TAP devices",
		},
	)

	SSHPortPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmcore_ssh_port_pool_available",
			Help: "Number of unallocated SSH forwarding ports",
		},
	)

	VMCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcore_vm_create_duration_seconds",
			Help:    "Time to take create_vm from creating to the start of start_vm",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"base_image"},
	)

	VMBootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcore_vm_boot_duration_seconds",
			Help:    "Time from start_vm to a successful reachability probe",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		},
		[]string{"base_image", "fast_booted"},
	)

	WarmupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcore_warmup_duration_seconds",
			Help:    "Time for one warmup engine run to reach complete or error",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180},
		},
		[]string{"base_image", "result"},
	)

	ControlAPICallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmcore_control_api_call_duration_seconds",
			Help:    "Time for a monitor control-API call to complete",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation", "outcome"},
	)

	GuestReconfigureAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcore_guest_reconfigure_attempts_total",
			Help: "Total vsock RECONFIGURE_NETWORK attempts by outcome",
		},
		[]string{"outcome"},
	)

	OrphansReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmcore_orphans_reaped_total",
			Help: "Total orphan monitor processes terminated during reconciliation",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		VMsActive,
		TAPPoolAvailable,
		SSHPortPoolAvailable,
		VMCreateDuration,
		VMBootDuration,
		WarmupDuration,
		ControlAPICallDuration,
		GuestReconfigureAttemptsTotal,
		OrphansReapedTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts a standalone HTTP server serving /metrics on addr.
// The returned server is the caller's responsibility to Shutdown.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// metrics serving is non-critical; the orchestrator keeps running.
		}
	}()
	return srv
}
