package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_intake_total",
			Help: "Mailing intake requests by result",
		},
		[]string{"result"},
	)

	outboxPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailing_outbox_published_total",
			Help: "Outbox rows confirmed and marked published",
		},
	)

	outboxPublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailing_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed (nack, timeout, error)",
		},
	)

	outboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailing_outbox_backlog",
			Help: "Unpublished outbox rows at the last poll",
		},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_jobs_processed_total",
			Help: "Consumed job deliveries by outcome",
		},
		[]string{"outcome"}, // completed, retried, dead_lettered, skipped, rejected
	)

	rowsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_rows_processed_total",
			Help: "Recipient rows by result",
		},
		[]string{"result"}, // sent, failed, invalid
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailing_email_send_duration_seconds",
			Help:    "Provider send duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	sendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_email_send_errors_total",
			Help: "Provider send errors by class",
		},
		[]string{"class"}, // retryable, permanent
	)

	limiterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailing_rate_limiter_queue_depth",
			Help: "Jobs waiting in the send scheduler",
		},
	)

	tokenRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_token_renewals_total",
			Help: "Bearer token renewals by result",
		},
		[]string{"result"},
	)

	brokerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailing_broker_reconnects_total",
			Help: "Broker reconnect attempts",
		},
	)

	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailing_breaker_state_changes_total",
			Help: "Provider circuit-breaker transitions",
		},
		[]string{"to"},
	)
)

func RecordIntake(result string) {
	intakeTotal.WithLabelValues(result).Inc()
}

func RecordOutboxPublished() {
	outboxPublishedTotal.Inc()
}

func RecordOutboxPublishFailure() {
	outboxPublishFailuresTotal.Inc()
}

func SetOutboxBacklog(n int) {
	outboxBacklog.Set(float64(n))
}

func RecordJobProcessed(outcome string) {
	jobsProcessedTotal.WithLabelValues(outcome).Inc()
}

func RecordRow(result string) {
	rowsProcessedTotal.WithLabelValues(result).Inc()
}

func RecordSend(duration time.Duration) {
	sendDuration.Observe(duration.Seconds())
}

func RecordSendError(class string) {
	sendErrorsTotal.WithLabelValues(class).Inc()
}

func SetLimiterQueueDepth(n int) {
	limiterQueueDepth.Set(float64(n))
}

func RecordTokenRenewal(result string) {
	tokenRenewalsTotal.WithLabelValues(result).Inc()
}

func RecordBrokerReconnect() {
	brokerReconnectsTotal.Inc()
}

func RecordBreakerStateChange(to string) {
	breakerStateChangesTotal.WithLabelValues(to).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
