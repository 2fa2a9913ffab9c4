package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	CommentsEvaluated *prometheus.CounterVec
	RuleMatches       *prometheus.CounterVec
	DispatchOutcomes  *prometheus.CounterVec
	SendAttempts      *prometheus.CounterVec
	SendLatency       *prometheus.HistogramVec
	PlatformRequests  *prometheus.CounterVec
	PlatformLatency   *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			CommentsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comments_evaluated_total",
				Help:      "Total comments evaluated by monitoring passes.",
			}, []string{"outcome"}),
			RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Rule evaluation results by gate.",
			}, []string{"result"}),
			DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_outcomes_total",
				Help:      "Terminal dispatch outcomes by status and reason.",
			}, []string{"status", "reason"}),
			SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_attempts_total",
				Help:      "Direct message send attempts by result.",
			}, []string{"result"}),
			SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Latency distribution for direct message sends.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"result"}),
			PlatformRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_requests_total",
				Help:      "Total platform API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			PlatformLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "platform_request_duration_seconds",
				Help:      "Latency distribution for platform API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Dispatch requests by queue state.",
			}, []string{"state"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.CommentsEvaluated,
			metricsInstance.RuleMatches,
			metricsInstance.DispatchOutcomes,
			metricsInstance.SendAttempts,
			metricsInstance.SendLatency,
			metricsInstance.PlatformRequests,
			metricsInstance.PlatformLatency,
			metricsInstance.QueueDepth,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
