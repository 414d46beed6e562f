package discordbot

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "discordbot"

// Metrics holds the bot's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	modelAttempts        *prometheus.CounterVec
	modelAttemptDuration *prometheus.HistogramVec
	historyLookups       *prometheus.CounterVec
	triggers             *prometheus.CounterVec
	chunksSent           prometheus.Counter
	apiRequests          *prometheus.CounterVec
}

// MustNewMetrics creates and registers the bot's collectors with reg.
// Collectors that are already registered (a second Bot in the same
// process, or tests sharing a registry) are reused. Any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		modelAttempts: mustRegister(
			reg, prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "model_attempts_total",
					Help:      "Model attempts, by model and outcome.",
				},
				[]string{"model", "outcome"},
			),
		),
		modelAttemptDuration: mustRegister(
			reg, prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Name:      "model_attempt_duration_seconds",
					Help:      "Time spent in a single model attempt.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 180},
				},
				[]string{"model"},
			),
		),
		historyLookups: mustRegister(
			reg, prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "history_lookups_total",
					Help:      "Referenced message lookups, by the tier that satisfied them.",
				},
				[]string{"tier"},
			),
		),
		triggers: mustRegister(
			reg, prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "triggers_total",
					Help:      "Events that started a model request, by kind.",
				},
				[]string{"kind"},
			),
		),
		chunksSent: mustRegister[prometheus.Counter](
			reg, prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "chunks_sent_total",
					Help:      "Reply chunks delivered to discord.",
				},
			),
		),
		apiRequests: mustRegister(
			reg, prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Name:      "api_requests_total",
					Help:      "Admin API requests, by method, route and status.",
				},
				[]string{"method", "route", "status"},
			),
		),
	}
}

func mustRegister[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (m *Metrics) ObserveModelAttempt(
	model string,
	outcome OutcomeKind,
	duration time.Duration,
) {
	if m == nil {
		return
	}
	m.modelAttempts.WithLabelValues(model, outcome.String()).Inc()
	m.modelAttemptDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (m *Metrics) IncHistoryLookup(tier ResolveTier) {
	if m == nil {
		return
	}
	m.historyLookups.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) IncTrigger(kind TriggerKind) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) AddChunksSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksSent.Add(float64(n))
}

func (m *Metrics) IncAPIRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
