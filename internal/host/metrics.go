package host

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cutline_host_requests_total",
		Help: "Host requests served, by operation and outcome.",
	}, []string{"op", "status"})

	framesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cutline_host_frames_saved_total",
		Help: "Frames written into session frame directories.",
	})

	invalidFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cutline_host_invalid_frames_total",
		Help: "Frames without a PNG signature, by applied policy.",
	}, []string{"policy"})

	encoderRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cutline_host_encoder_runs_total",
		Help: "Encoder process runs, by result.",
	}, []string{"result"})

	encoderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cutline_host_encoder_duration_seconds",
		Help:    "Wall time of encoder process runs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, framesSaved, invalidFrames, encoderRuns, encoderDuration)
}
