package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MessagingMetrics tracks DMF message processing.
type MessagingMetrics struct {
	// MessagesTotal counts inbound messages by type and outcome
	// (acked, requeued, dead_lettered).
	MessagesTotal *prometheus.CounterVec

	MessageDuration *prometheus.HistogramVec

	// OutboundTotal counts outbound messages by kind and result
	// (sent, dropped, failed).
	OutboundTotal *prometheus.CounterVec

	DeadLettersTotal *prometheus.CounterVec
	RequeuesTotal    prometheus.Counter

	// ActionStatusTotal counts recorded action status reports.
	ActionStatusTotal *prometheus.CounterVec
}

// NewMessagingMetrics creates messaging metrics on the global registry.
func NewMessagingMetrics() *MessagingMetrics {
	return NewMessagingMetricsFor(GetRegistry())
}

// NewMessagingMetricsFor creates messaging metrics on reg.
func NewMessagingMetricsFor(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "messages_total",
				Help:      "Total inbound DMF messages",
			},
			[]string{"type", "outcome"},
		),
		MessageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "message_duration_seconds",
				Help:      "Inbound message handling duration",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"type"},
		),
		OutboundTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "outbound_total",
				Help:      "Total outbound DMF messages",
			},
			[]string{"kind", "result"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "dead_letters_total",
				Help:      "Messages routed to the dead letter topic",
			},
			[]string{"reason"},
		),
		RequeuesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "requeues_total",
				Help:      "Messages redelivered after a transient failure",
			},
		),
		ActionStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dmf",
				Name:      "action_status_total",
				Help:      "Action status reports by reported status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.MessageDuration,
		m.OutboundTotal,
		m.DeadLettersTotal,
		m.RequeuesTotal,
		m.ActionStatusTotal,
	)

	return m
}

// DownloadMetrics tracks anonymous download id issuance and redemption.
type DownloadMetrics struct {
	IssuedTotal   prometheus.Counter
	RedeemedTotal *prometheus.CounterVec
}

// NewDownloadMetricsFor creates download metrics on reg.
func NewDownloadMetricsFor(reg prometheus.Registerer) *DownloadMetrics {
	m := &DownloadMetrics{
		IssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "download",
				Name:      "ids_issued_total",
				Help:      "Download ids issued to authenticated devices",
			},
		),
		RedeemedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "download",
				Name:      "ids_redeemed_total",
				Help:      "Download id redemptions by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.IssuedTotal, m.RedeemedTotal)
	return m
}
