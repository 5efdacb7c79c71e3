package hitl

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/hitl/internal/dispatch"
)

// Metrics holds the coordinator's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	webhooks         *prometheus.CounterVec
	claims           *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Outbound create-request calls by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Outbound create-request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		webhooks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_responses_total",
				Help:      "Webhook deliveries by HTTP status returned",
			},
			[]string{"status"},
		),
		claims: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Correlation store resolution attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) observeDispatch(err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = dispatch.Kind(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) observeWebhook(status int) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}
