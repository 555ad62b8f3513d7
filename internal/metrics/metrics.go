package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PortalRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gymsniper_portal_requests_total",
			Help: "Total portal API requests by operation and result",
		},
		[]string{"op", "result"},
	)

	PortalRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gymsniper_portal_request_duration_seconds",
			Help:    "Portal API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"op"},
	)

	BookingCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gymsniper_booking_calls_total",
			Help: "Individual book and waitlist calls by outcome",
		},
		[]string{"outcome"},
	)

	BookingOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gymsniper_booking_outcomes_total",
			Help: "Final booking outcomes by source (snipe, schedule, manual)",
		},
		[]string{"source", "outcome"},
	)

	QueueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gymsniper_snipe_queue_entries",
			Help: "Snipe queue entries by status",
		},
		[]string{"status"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gymsniper_notifications_total",
			Help: "Notifications by sink and status",
		},
		[]string{"sink", "status"},
	)
)

func RecordPortalRequest(op, result string, seconds float64) {
	PortalRequestsTotal.WithLabelValues(op, result).Inc()
	PortalRequestDuration.WithLabelValues(op).Observe(seconds)
}

func RecordBookingCall(outcome string) {
	BookingCallsTotal.WithLabelValues(outcome).Inc()
}

func RecordOutcome(source, outcome string) {
	BookingOutcomesTotal.WithLabelValues(source, outcome).Inc()
}

// SetQueueCounts replaces the queue gauge with the given per-status counts.
func SetQueueCounts(counts map[string]int) {
	QueueEntries.Reset()
	for status, n := range counts {
		QueueEntries.WithLabelValues(status).Set(float64(n))
	}
}

func RecordNotification(sink, status string) {
	NotificationsTotal.WithLabelValues(sink, status).Inc()
}
