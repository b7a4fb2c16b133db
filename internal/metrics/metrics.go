// Package metrics provides Prometheus metrics for the qq-adapter gateway
// session and bridge. No high-cardinality labels (no event or session IDs).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDispatchedTotal counts message events handed to handlers, by source.
	EventsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qq_adapter_events_dispatched_total",
		Help: "Total number of message events dispatched to handlers, by source.",
	}, []string{"source"})

	// EventsDedupedTotal counts events dropped as duplicates.
	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qq_adapter_events_deduped_total",
		Help: "Total number of duplicate events suppressed by the dedup window.",
	})

	// ReconnectsTotal counts gateway connection attempt endings, by reason.
	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qq_adapter_reconnects_total",
		Help: "Total number of gateway connection attempt endings, by reason.",
	}, []string{"reason"})

	// RepliesResolvedTotal counts correlated replies delivered by a responder.
	RepliesResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qq_adapter_replies_resolved_total",
		Help: "Total number of pending replies resolved by a responder.",
	})

	// RepliesTimedOutTotal counts pending replies that expired unanswered.
	RepliesTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qq_adapter_replies_timed_out_total",
		Help: "Total number of pending replies that timed out with no answer.",
	})

	// WSListeners tracks currently connected WebSocket listeners.
	WSListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qq_adapter_ws_listeners",
		Help: "Current number of connected WebSocket listeners.",
	})
)
