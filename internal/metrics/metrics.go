package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus instruments. A nil *Collector is a valid
// no-op receiver so packages can run without metrics wired.
type Collector struct {
	// Test lifecycle metrics
	testsCreated  *prometheus.CounterVec
	testsFinished *prometheus.CounterVec
	activeTests   prometheus.Gauge
	activeWorkers prometheus.Gauge

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	bytesSent       prometheus.Counter
	attemptDuration prometheus.Histogram

	// Proxy pool metrics
	proxyPoolSize   *prometheus.GaugeVec
	proxiesRetired  prometheus.Counter
	proxiesFetched  *prometheus.CounterVec
	proxyExhaustion prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		testsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_created_total",
				Help:      "Total number of tests admitted",
			},
			[]string{"method"},
		),
		testsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_finished_total",
				Help:      "Total number of tests reaching a terminal state",
			},
			[]string{"status"},
		),
		activeTests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tests",
				Help:      "Current number of non-terminal tests",
			},
		),
		activeWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of running worker units",
			},
		),
		attemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of driver attempts",
			},
			[]string{"result"},
		),
		bytesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_sent_total",
				Help:      "Total bytes written by all workers",
			},
		),
		attemptDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Driver attempt duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		proxyPoolSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_pool_size",
				Help:      "Current proxy pool size per protocol",
			},
			[]string{"protocol"},
		),
		proxiesRetired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_retired_total",
				Help:      "Total number of proxy endpoints retired",
			},
		),
		proxiesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_fetched_total",
				Help:      "Total number of candidate endpoints fetched per source",
			},
			[]string{"source"},
		),
		proxyExhaustion: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_exhaustion_total",
				Help:      "Total number of proxy pool exhaustion events",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordTestCreated(method string) {
	if c == nil {
		return
	}
	c.testsCreated.WithLabelValues(method).Inc()
	c.activeTests.Inc()
}

func (c *Collector) RecordTestFinished(status string) {
	if c == nil {
		return
	}
	c.testsFinished.WithLabelValues(status).Inc()
	c.activeTests.Dec()
}

func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
}

func (c *Collector) WorkerStopped() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}

func (c *Collector) RecordAttemptSuccess() {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues("success").Inc()
}

func (c *Collector) RecordAttemptFailure() {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues("failure").Inc()
}

func (c *Collector) RecordBytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(n))
}

func (c *Collector) RecordAttemptDuration(seconds float64) {
	if c == nil {
		return
	}
	c.attemptDuration.Observe(seconds)
}

func (c *Collector) SetProxyPoolSize(protocol string, size int) {
	if c == nil {
		return
	}
	c.proxyPoolSize.WithLabelValues(protocol).Set(float64(size))
}

func (c *Collector) RecordProxyRetired() {
	if c == nil {
		return
	}
	c.proxiesRetired.Inc()
}

func (c *Collector) RecordProxiesFetched(source string, count int) {
	if c == nil {
		return
	}
	c.proxiesFetched.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordProxyExhaustion() {
	if c == nil {
		return
	}
	c.proxyExhaustion.Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
