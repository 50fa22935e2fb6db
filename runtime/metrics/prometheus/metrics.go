// Package prometheus provides Prometheus metrics for the UMDF UI backend.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "umdf"

// Status constants for metric labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// httpRequestDuration is a histogram of request handling duration in seconds.
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request handling duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"route", "method"},
	)

	// httpRequestsTotal is a counter of handled HTTP requests.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of handled HTTP requests",
		},
		[]string{"route", "method", "status"}, // status: response code
	)

	// containerOpen is a gauge reporting whether a container file is
	// currently open. The backend serves one session at a time, so the
	// value is 0 or 1.
	containerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "container_open",
			Help:      "Whether a container file is currently open (0 or 1)",
		},
	)

	// editsActive is a gauge of container edits currently in progress.
	editsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "edits_active",
			Help:      "Number of container edits currently in progress",
		},
	)

	// saveDuration is a histogram of save (finalize and reopen) duration.
	saveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Histogram of container save duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"}, // status: success, error
	)

	// uploadsTotal is a counter of container uploads.
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of container uploads",
		},
		[]string{"status"}, // status: success, error
	)

	// uploadBytesTotal is a counter of bytes accepted through uploads.
	uploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes accepted through container uploads",
		},
	)

	// engineErrorsTotal is a counter of failed engine operations by name.
	engineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total number of failed engine operations",
		},
		[]string{"op"},
	)

	// previewDuration is a histogram of frame preview render duration.
	previewDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preview_render_duration_seconds",
			Help:      "Histogram of frame preview render duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"status"}, // status: success, error
	)

	// streamFramesTotal is a counter of frames pushed over cine streams.
	streamFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total number of frames pushed over cine streams",
		},
	)

	// frameFailuresTotal is a counter of frames that could not be encoded
	// and were served as failure entries instead.
	frameFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_failures_total",
			Help:      "Total number of frames served as failure entries",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		httpRequestDuration,
		httpRequestsTotal,
		containerOpen,
		editsActive,
		saveDuration,
		uploadsTotal,
		uploadBytesTotal,
		engineErrorsTotal,
		previewDuration,
		streamFramesTotal,
		frameFailuresTotal,
	}
)

// RecordHTTPRequest records one handled request.
func RecordHTTPRequest(route, method, status string, durationSeconds float64) {
	httpRequestDuration.WithLabelValues(route, method).Observe(durationSeconds)
	httpRequestsTotal.WithLabelValues(route, method, status).Inc()
}

// SetContainerOpen records whether a container file is currently open.
func SetContainerOpen(open bool) {
	if open {
		containerOpen.Set(1)
	} else {
		containerOpen.Set(0)
	}
}

// RecordEditStart records the start of a container edit.
func RecordEditStart() {
	editsActive.Inc()
}

// RecordEditEnd records the end of a container edit, however it ended.
func RecordEditEnd() {
	editsActive.Dec()
}

// RecordSave records a save attempt.
func RecordSave(status string, durationSeconds float64) {
	saveDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordUpload records a container upload.
func RecordUpload(status string, sizeBytes int64) {
	uploadsTotal.WithLabelValues(status).Inc()
	if sizeBytes > 0 {
		uploadBytesTotal.Add(float64(sizeBytes))
	}
}

// RecordEngineError records a failed engine operation.
func RecordEngineError(op string) {
	engineErrorsTotal.WithLabelValues(op).Inc()
}

// RecordPreview records a frame preview render.
func RecordPreview(status string, durationSeconds float64) {
	previewDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStreamFrame records one frame pushed over a cine stream.
func RecordStreamFrame() {
	streamFramesTotal.Inc()
}

// RecordFrameFailures records frames served as failure entries.
func RecordFrameFailures(count int) {
	if count > 0 {
		frameFailuresTotal.Add(float64(count))
	}
}
