package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LifecycleOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbdoc_lifecycle_operations_total",
			Help: "Document lifecycle operations by outcome",
		},
		[]string{"operation", "status"},
	)

	LifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbdoc_lifecycle_operation_duration_seconds",
			Help:    "Document lifecycle operation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbdoc_tasks_enqueued_total",
			Help: "Parse tasks published to the queue",
		},
		[]string{"kind"},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbdoc_store_errors_total",
			Help: "Backend call failures by store",
		},
		[]string{"store"},
	)

	UploadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbdoc_documents_uploaded_bytes_total",
			Help: "Bytes written to the blob store by uploads and crawls",
		},
	)

	ChunksWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbdoc_chunks_written_total",
			Help: "Chunks written back to the search index",
		},
	)
)

var collectors = []prometheus.Collector{
	LifecycleOperations,
	LifecycleDuration,
	TasksEnqueued,
	StoreErrors,
	UploadedBytes,
	ChunksWritten,
}

func Init() {
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}
}

// Observe records one lifecycle operation that started at start.
func Observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LifecycleOperations.WithLabelValues(operation, status).Inc()
	LifecycleDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
