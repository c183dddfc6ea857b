package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_store_messages_resident",
		Help: "Messages currently held across all chats.",
	})

	staleIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_stale_updates_ignored_total",
		Help: "Replayed or stale merge updates absorbed as no-ops.",
	})

	conflictsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_id_conflicts_ignored_total",
		Help: "Updates dropped because a message id named a different owning chat.",
	})

	typingEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_typing_evicted_total",
		Help: "Typing entries evicted by deadline sweep.",
	})

	updatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_notify_updates_dropped_total",
		Help: "Change hints dropped because a subscriber queue was full.",
	})
)
