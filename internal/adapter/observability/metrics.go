package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_ingested_total",
			Help: "Total number of tasks accepted by the ingress",
		},
		[]string{"mode"},
	)
	TasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed terminally",
		},
		[]string{"reason"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_dead_lettered_total",
			Help: "Total number of tasks routed to the DLQ",
		},
	)
	TasksRedrivenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_redriven_total",
			Help: "Total number of dead-lettered tasks republished to the main queue",
		},
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Inference call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	QueueReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_ready_messages",
			Help: "Messages waiting for a consumer, per queue",
		},
		[]string{"queue"},
	)
	QueueUnacked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_unacked_messages",
			Help: "Messages delivered but not yet acknowledged, per queue",
		},
		[]string{"queue"},
	)
	WorkerReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_replicas",
			Help: "Worker replica count as last set by the autoscaler",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksIngestedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(TasksRedrivenTotal)
	prometheus.MustRegister(InferenceDuration)
	prometheus.MustRegister(QueueReady)
	prometheus.MustRegister(QueueUnacked)
	prometheus.MustRegister(WorkerReplicas)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func IngestTask(mode string) { TasksIngestedTotal.WithLabelValues(mode).Inc() }

func StartProcessing() { TasksProcessing.Inc() }

func CompleteTask() {
	TasksProcessing.Dec()
	TasksCompletedTotal.Inc()
}

func FailTask(reason string) {
	TasksProcessing.Dec()
	TasksFailedTotal.WithLabelValues(reason).Inc()
}

func DeadLetterTask() {
	TasksProcessing.Dec()
	TasksDeadLetteredTotal.Inc()
}

// ObserveQueueDepth records broker depth gauges sampled by the autoscaler.
func ObserveQueueDepth(queue string, ready, unacked int64) {
	QueueReady.WithLabelValues(queue).Set(float64(ready))
	QueueUnacked.WithLabelValues(queue).Set(float64(unacked))
}
