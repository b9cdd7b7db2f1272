// Package metrics defines the Prometheus collectors of the publish and
// consume paths.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the publish and consume paths
var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"topic"},
	)

	EventsPublishFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_publish_failed_total",
			Help: "Total number of events that could not be published",
		},
		[]string{"topic"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_consumed_total",
			Help: "Total number of messages received from the bus",
		},
		[]string{"topic"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dropped_total",
			Help: "Total number of received messages dropped without handling",
		},
		[]string{"topic", "reason"},
	)

	MessagesHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_handled_total",
			Help: "Total number of messages handled successfully",
		},
		[]string{"topic"},
	)

	MessagesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_failed_total",
			Help: "Total number of messages whose handler failed",
		},
		[]string{"topic"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of chat notifications sent",
		},
		[]string{"topic"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_handler_duration_seconds",
			Help:    "Duration of message handling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)

// Drop reasons
const (
	ReasonMalformed = "malformed"
	ReasonInvalid   = "invalid"
	ReasonUnrouted  = "unrouted"
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(EventsPublishedTotal)
		prometheus.MustRegister(EventsPublishFailedTotal)
		prometheus.MustRegister(MessagesConsumedTotal)
		prometheus.MustRegister(MessagesDroppedTotal)
		prometheus.MustRegister(MessagesHandledTotal)
		prometheus.MustRegister(MessagesFailedTotal)
		prometheus.MustRegister(NotificationsSentTotal)
		prometheus.MustRegister(HandlerDuration)
	})
}
