// Package metrics exports pipeline metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	webhooksReceived *prometheus.CounterVec
	triggersEnqueued *prometheus.CounterVec
	turnsProcessed   *prometheus.CounterVec
	turnLatency      *prometheus.HistogramVec
	aiTokens         *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "ingest",
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	m.triggersEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "ingest",
			Name:      "triggers_enqueued_total",
			Help:      "Processing triggers enqueued by queue",
		},
		[]string{"queue"},
	)

	m.turnsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "process",
			Name:      "turns_total",
			Help:      "Conversation turns processed by channel and result",
		},
		[]string{"channel", "result"},
	)

	m.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replies",
			Subsystem: "process",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end turn latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"channel"},
	)

	m.aiTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "process",
			Name:      "ai_tokens_total",
			Help:      "AI tokens consumed by type",
		},
		[]string{"token_type"},
	)

	m.deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replies",
			Subsystem: "process",
			Name:      "dead_letters_total",
			Help:      "Triggers moved to a dead-letter list by queue",
		},
		[]string{"queue"},
	)

	m.registry.MustRegister(
		m.webhooksReceived,
		m.triggersEnqueued,
		m.turnsProcessed,
		m.turnLatency,
		m.aiTokens,
		m.deadLetters,
	)
	return m
}

// RecordWebhook counts one inbound webhook.
func (m *Metrics) RecordWebhook(channel, outcome string) {
	m.webhooksReceived.WithLabelValues(channel, outcome).Inc()
}

// RecordTriggerEnqueued counts one processing trigger.
func (m *Metrics) RecordTriggerEnqueued(queue string) {
	m.triggersEnqueued.WithLabelValues(queue).Inc()
}

// RecordTurn counts one processed turn with its latency.
func (m *Metrics) RecordTurn(channel, result string, latency time.Duration) {
	m.turnsProcessed.WithLabelValues(channel, result).Inc()
	m.turnLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordAITokens counts token usage from one assistant run.
func (m *Metrics) RecordAITokens(promptTokens, completionTokens int) {
	m.aiTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.aiTokens.WithLabelValues("completion").Add(float64(completionTokens))
}

// RecordDeadLetter counts a trigger dropped to a dead-letter list.
func (m *Metrics) RecordDeadLetter(queue string) {
	m.deadLetters.WithLabelValues(queue).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
