package native

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for export outcome.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

var (
	framesStaged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cutline_native_frames_staged_total",
			Help: "Total number of frames staged on the native host.",
		},
	)

	saveFrameDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cutline_native_save_frame_seconds",
			Help:    "Round trip of one save-frame call, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	encodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cutline_native_encode_seconds",
			Help:    "Duration of export-video-cli from request to result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutline_native_exports_total",
			Help: "Total number of exports handled by the native engine.",
		},
		[]string{"format", "status"},
	)
)

func init() {
	prometheus.MustRegister(framesStaged)
	prometheus.MustRegister(saveFrameDuration)
	prometheus.MustRegister(encodeDuration)
	prometheus.MustRegister(exportsTotal)
}
