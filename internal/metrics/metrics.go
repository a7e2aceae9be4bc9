// Package metrics exposes Prometheus collectors for the catalogue pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal              *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	blocksTotal               *prometheus.CounterVec
	crawlSourcesTotal         *prometheus.CounterVec
	discoveryLinksTotal       *prometheus.CounterVec
	ingestionTotal            *prometheus.CounterVec
	embeddingBatchSeconds     prometheus.Histogram
	embeddingTextsTotal       prometheus.Counter
	rateLimitWaitSeconds      prometheus.Histogram
	retrievalDurationSeconds  prometheus.Histogram
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogue_fetches_total",
				Help: "Fetch attempts, labeled by fetcher, host and status class.",
			},
			[]string{"fetcher", "host", "class"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogue_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by fetcher.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher"},
		)
		blocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogue_blocks_total",
				Help: "Detected bot-protection blocks, labeled by block type.",
			},
			[]string{"block_type"},
		)
		crawlSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogue_crawl_sources_total",
				Help: "Crawler outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		discoveryLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogue_discovery_links_total",
				Help: "Links seen during discovery, labeled by family and outcome.",
			},
			[]string{"family", "outcome"},
		)
		ingestionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogue_ingestion_total",
				Help: "Ingestion attempts, labeled by resulting status.",
			},
			[]string{"status"},
		)
		embeddingBatchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogue_embedding_batch_seconds",
				Help:    "Latency of one embedding provider call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)
		embeddingTextsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalogue_embedding_texts_total",
				Help: "Texts sent to the embedding provider.",
			},
		)
		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogue_rate_limit_wait_seconds",
				Help:    "Time tasks spent queued behind the outbound rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
		retrievalDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogue_retrieval_duration_seconds",
				Help:    "End-to-end latency of a retrieval query.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status ("2xx", "4xx", ...). Zero means the
// request never produced a response.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(fetcher, rawURL string, status int, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(fetcher, SanitizeSite(rawURL), StatusClass(status)).Inc()
	fetchDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
}

// ObserveBlock records a detected block.
func ObserveBlock(blockType string) {
	Init()
	blocksTotal.WithLabelValues(blockType).Inc()
}

// ObserveCrawlOutcome records one crawler counter increment.
func ObserveCrawlOutcome(outcome string) {
	Init()
	crawlSourcesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDiscoveryLink records one discovered link outcome.
func ObserveDiscoveryLink(family, outcome string) {
	Init()
	discoveryLinksTotal.WithLabelValues(family, outcome).Inc()
}

// ObserveIngestion records an ingestion attempt by final status.
func ObserveIngestion(status string) {
	Init()
	ingestionTotal.WithLabelValues(status).Inc()
}

// ObserveEmbeddingBatch records one provider call.
func ObserveEmbeddingBatch(texts int, duration time.Duration) {
	Init()
	embeddingTextsTotal.Add(float64(texts))
	embeddingBatchSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitWait records how long a task waited for its turn.
func ObserveRateLimitWait(duration time.Duration) {
	Init()
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// ObserveRetrieval records a retrieval query latency.
func ObserveRetrieval(duration time.Duration) {
	Init()
	retrievalDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records an ops endpoint request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
