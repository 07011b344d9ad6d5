// ABOUTME: Prometheus collectors for the session engine
// ABOUTME: Registered once on the default registry and served through promhttp

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "coven"
	subsystem = "sessions"
)

var (
	MessagesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended to conversation logs, by kind.",
		},
		[]string{"kind"},
	)

	AppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "append_failures_total",
			Help:      "Append attempts that failed, including retried ones.",
		},
	)

	ActiveManagers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_managers",
			Help:      "Conversation managers currently held in memory.",
		},
	)

	WorkingConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "working_conversations",
			Help:      "Conversations with a unit of agent work in flight.",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers",
			Help:      "Live stream subscriptions across all conversations.",
		},
	)

	SubscriberResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriber_resyncs_total",
			Help:      "Times a subscriber fell behind and was resynced from the log.",
		},
	)

	RecoveredInvocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovered_invocations_total",
			Help:      "Tool invocations closed with a synthetic error result at startup.",
		},
	)

	RecoveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovery_failures_total",
			Help:      "Conversations that could not be repaired at startup.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		AppendFailures,
		ActiveManagers,
		WorkingConversations,
		Subscribers,
		SubscriberResyncs,
		RecoveredInvocations,
		RecoveryFailures,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
