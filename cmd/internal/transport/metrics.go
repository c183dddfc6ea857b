package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_transport_events_applied_total",
		Help: "Event envelopes applied to the stores, by type.",
	}, []string{"type"})

	eventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_transport_events_rejected_total",
		Help: "Envelopes rejected at the transport boundary (malformed or unsupported).",
	})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_transport_reconnects_total",
		Help: "Websocket sessions re-established after a failure.",
	})
)
