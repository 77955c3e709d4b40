package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is created before the server so the backend client and the poller
// can report into the same registry.
type Metrics struct {
	registry        *prometheus.Registry
	statusUpdates   *prometheus.CounterVec
	escrowCreates   *prometheus.CounterVec
	releases        *prometheus.CounterVec
	chatTokens      *prometheus.CounterVec
	pollRuns        *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	dlqDepth        prometheus.Gauge
	backendDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_buy_request_updates_total",
			Help: "Buy request status transitions by target status and outcome",
		}, []string{"status", "result"}),
		escrowCreates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_escrow_ensure_total",
			Help: "Escrow ensure calls by outcome (existing, created, failed)",
		}, []string{"result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_escrow_releases_total",
			Help: "Escrow release attempts by outcome",
		}, []string{"result"}),
		chatTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_chat_tokens_total",
			Help: "Chat token lookups by source",
		}, []string{"source"}),
		pollRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_buy_request_polls_total",
			Help: "Background buy request refreshes by outcome",
		}, []string{"result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_escrow_callbacks_total",
			Help: "Escrow webhook callbacks by outcome",
		}, []string{"status"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grandeapp_retry_attempts_total",
			Help: "Retry attempts for callback confirmation",
		}, []string{"result"}),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grandeapp_dlq_depth",
			Help: "Number of items in the DLQ",
		}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grandeapp_backend_request_duration_seconds",
			Help:    "Latency of calls to the marketplace backend",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		m.statusUpdates, m.escrowCreates, m.releases, m.chatTokens,
		m.pollRuns, m.callbacks, m.retryAttempts, m.dlqDepth, m.backendDuration,
	)
	return m
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBackend matches backend.Observer.
func (m *Metrics) ObserveBackend(method, route string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.backendDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// ObservePoll matches the buyrequest.Watcher OnPoll hook.
func (m *Metrics) ObservePoll(_ string, err error) {
	if err != nil {
		m.pollRuns.WithLabelValues("failed").Inc()
		return
	}
	m.pollRuns.WithLabelValues("ok").Inc()
}

func (m *Metrics) incStatusUpdate(status, result string) {
	m.statusUpdates.WithLabelValues(status, result).Inc()
}

func (m *Metrics) incEscrow(result string) {
	m.escrowCreates.WithLabelValues(result).Inc()
}

func (m *Metrics) incRelease(result string) {
	m.releases.WithLabelValues(result).Inc()
}

func (m *Metrics) incChatToken(source string) {
	m.chatTokens.WithLabelValues(source).Inc()
}

func (m *Metrics) incCallback(status string) {
	m.callbacks.WithLabelValues(status).Inc()
}

func (m *Metrics) incRetry(result string) {
	m.retryAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
