// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registrations counts registration attempts by result
	// (ok, no_face, multiple_faces, error).
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_registrations_total",
		Help: "Student registration attempts by result.",
	}, []string{"result"})

	// Marks counts attendance rows written, by method.
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_marks_total",
		Help: "Attendance records inserted by method.",
	}, []string{"method"})

	// DuplicatesSkipped counts same-day marks suppressed by the duplicate policy.
	DuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_duplicates_skipped_total",
		Help: "Same-day attendance marks skipped because a record already existed.",
	}, []string{"method"})

	FacesDetected = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attendance_faces_detected",
		Help:    "Faces detected per uploaded photo.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	}, []string{"operation"})

	EmbedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_face_embed_seconds",
		Help:    "Latency of face embedding calls.",
		Buckets: prometheus.DefBuckets,
	})

	// MatchDuration observes one full scan of stored students against the detected faces.
	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_face_match_seconds",
		Help:    "Time spent comparing detected faces against stored encodings.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	})

	RollupEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_rollup_events_total",
		Help: "Attendance events applied to the live roll-up by result.",
	}, []string{"result"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// Since observes the elapsed time on h. Use with defer.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// GinMiddleware records request counts and latency keyed by the matched
// route template, so path parameters do not explode cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
