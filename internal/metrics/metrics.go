// Package metrics registers the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Open client connections by transport.",
	}, []string{"transport"})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Rooms held in the registry.",
	})

	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_chat_messages_total",
		Help: "Chat frames by admission result (accepted, replayed, or a rejection reason).",
	}, []string{"result"})

	SignalingForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_signaling_forwarded_total",
		Help: "Signaling frames forwarded by type.",
	}, []string{"type"})

	SignalingUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_signaling_unavailable_total",
		Help: "Signaling frames dropped because the target peer was absent.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Frames that could not be queued to a connection.",
	})

	ChatStreamRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_chat_stream_records_total",
		Help: "Chat stream records by outcome (delivered, failed, rejected).",
	}, []string{"outcome"})
)

// Handler exposes Prometheus metrics at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
