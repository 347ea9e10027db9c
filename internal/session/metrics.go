package session

import "github.com/prometheus/client_golang/prometheus"

const (
	reasonCleanup = "cleanup"
	reasonSweep   = "sweep"
)

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cutline_host_sessions_created_total",
		Help: "Native export sessions created.",
	})

	sessionsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cutline_host_sessions_removed_total",
		Help: "Native export sessions removed, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(sessionsCreated, sessionsRemoved)
}
