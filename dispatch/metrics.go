package dispatch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kdispatch_jobs_submitted_total",
		Help: "Total number of jobs handed to device workers, by kind",
	}, []string{"kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kdispatch_jobs_completed_total",
		Help: "Total number of jobs completed by device workers, by kind and status (ok or error)",
	}, []string{"kind", "status"})

	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kdispatch_invocation_duration_seconds",
		Help:    "Duration of invocation jobs on the device worker, hooks included",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 12), // 10us to ~42s
	}, []string{"device"})

	IdleWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kdispatch_idle_workers",
		Help: "Number of device workers in the idle pool",
	})
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func deviceLabel(ordinal int) string {
	return strconv.Itoa(ordinal)
}
