package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchRequests *prometheus.CounterVec
	setpointsSent    prometheus.Counter
	setpointsPending prometheus.Counter
	splitResidual    prometheus.Gauge
	dispatchPower    *prometheus.HistogramVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, prometheus.Counter, prometheus.Gauge, *prometheus.HistogramVec) {
	req := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Number of dispatch requests by recorded status",
		},
		[]string{"status"},
	)
	sent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "setpoints_sent_total",
			Help: "Number of setpoints written onto live sessions",
		},
	)
	pending := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "setpoints_pending_total",
			Help: "Number of setpoint allocations left undelivered",
		},
	)
	residual := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "site_split_residual_mw",
			Help: "Residual of the last clamped site allocation in MW",
		},
	)
	power := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_requested_mw",
			Help:    "Requested power of dispatch commands in MW",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"target_kind"},
	)
	return req, sent, pending, residual, power
}

func init() {
	dispatchRequests, setpointsSent, setpointsPending, splitResidual, dispatchPower = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used. Already registered
// collectors are reused.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{dispatchRequests, setpointsSent, setpointsPending, splitResidual, dispatchPower} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
