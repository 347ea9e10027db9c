package exporter

import "github.com/prometheus/client_golang/prometheus"

var (
	exportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cutline_exports_total",
		Help: "Finished exports, by engine and terminal status.",
	}, []string{"engine", "status"})

	exportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cutline_export_duration_seconds",
		Help:    "Wall time of exports, by engine.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"engine"})

	framesRendered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cutline_frames_rendered_total",
		Help: "Frames composited and handed to an engine.",
	})

	exportActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cutline_export_active",
		Help: "1 while an export is running.",
	})
)

func init() {
	prometheus.MustRegister(exportsTotal, exportDuration, framesRendered, exportActive)
}
