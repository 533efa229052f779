// Package metrics exposes prometheus collectors for chat streaming and HTTP traffic.
package metrics

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmiddleware "github.com/slok/go-http-metrics/middleware"
	ginmiddleware "github.com/slok/go-http-metrics/middleware/gin"
)

// Stream outcomes.
const (
	OutcomeDone         = "done"
	OutcomeError        = "error"
	OutcomeRejected     = "rejected"
	OutcomeRateLimited  = "rate_limited"
	OutcomeDisconnected = "disconnected"
)

var (
	streamRequestsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anotherchat_stream_requests_total",
		Help: "Chat stream requests by provider and terminal outcome.",
	}, []string{"provider", "outcome"})
	streamChunksMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anotherchat_stream_chunks_total",
		Help: "Content chunks relayed to clients by provider.",
	}, []string{"provider"})
	persistFailuresMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anotherchat_persist_failures_total",
		Help: "Messages that failed to persist after a stream ended.",
	})
	activeStreamsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anotherchat_active_streams",
		Help: "Streams currently relaying upstream output.",
	})
	catalogSyncMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anotherchat_catalog_sync_total",
		Help: "Model catalog sync runs by result.",
	}, []string{"result"})
)

// ObserveStream records a finished stream.
func ObserveStream(provider, outcome string) {
	streamRequestsMetric.WithLabelValues(provider, outcome).Inc()
}

// ObserveChunk records one relayed content chunk.
func ObserveChunk(provider string) {
	streamChunksMetric.WithLabelValues(provider).Inc()
}

// ObservePersistFailure records a message lost after streaming.
func ObservePersistFailure() {
	persistFailuresMetric.Inc()
}

// StreamStarted increments the active stream gauge and returns its decrement.
func StreamStarted() func() {
	activeStreamsMetric.Inc()
	var once sync.Once
	return func() { once.Do(activeStreamsMetric.Dec) }
}

// ObserveCatalogSync records a catalog sync run.
func ObserveCatalogSync(err error) {
	if err != nil {
		catalogSyncMetric.WithLabelValues("error").Inc()
		return
	}
	catalogSyncMetric.WithLabelValues("ok").Inc()
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     httpmiddleware.Middleware
)

// HTTPMiddleware records request latency and size for every route.
// The recorder registers on the default registry once per process.
func HTTPMiddleware() gin.HandlerFunc {
	httpMetricsOnce.Do(func() {
		httpMetrics = httpmiddleware.New(httpmiddleware.Config{
			Recorder: metricsprom.NewRecorder(metricsprom.Config{Prefix: "anotherchat"}),
		})
	})
	return ginmiddleware.Handler("", httpMetrics)
}

// Handler serves the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
