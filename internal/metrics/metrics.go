// Package metrics provides Prometheus instrumentation for the chat services.
// The gateway reports socket, presence and relay counts; the REST service
// reports request counts and latency per route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users in the last presence
	// broadcast.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Distinct users in the latest presence list",
	})

	// MessagesTotal counts push-channel messages by outcome:
	// "relayed", "rejected" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of push-channel messages processed",
	}, []string{"outcome"})

	// TypingEventsTotal counts typing events by kind: "typing" or "stopTyping".
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_typing_events_total",
		Help: "Total number of typing events relayed",
	}, []string{"kind"})

	// RelayLatency records the time spent handing one event to the bus.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_relay_latency_seconds",
		Help:    "Push-channel relay latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HTTPRequestsTotal counts REST requests by route template and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_http_requests_total",
		Help: "Total number of REST requests",
	}, []string{"route", "code"})

	// HTTPRequestDuration records REST latency by route template.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_http_request_duration_seconds",
		Help:    "REST request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		TypingEventsTotal,
		RelayLatency,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
