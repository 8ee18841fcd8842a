// SPDX-License-Identifier: MIT

package subscriptions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of live websocket connections.",
	})
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_subscriptions",
		Help: "Number of live subscriptions across all connections.",
	})
	eventsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_matched_total",
		Help: "Subscription matches produced by the fan-out engine.",
	})
	duplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicates_dropped_total",
		Help: "Events dropped by the fan-out dedup window.",
	})
	framesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_frames_total",
		Help: "EVENT frames delivered to subscribers.",
	})
	fanoutErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_errors_total",
		Help: "Sink write failures during fan-out.",
	})
)
