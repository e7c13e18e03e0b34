// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the shiftcam command and
// presence subsystem. No high-cardinality labels (no command ids, no emails).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsDispatchedTotal counts issued commands by type.
	CommandsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftcam_commands_dispatched_total",
		Help: "Total number of dispatched commands, by type.",
	}, []string{"type"})

	// CommandsRejectedTotal counts rejected command submissions by reason.
	CommandsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftcam_commands_rejected_total",
		Help: "Total number of rejected command submissions, by reason.",
	}, []string{"reason"})

	// CommandsAckedTotal counts acknowledged commands.
	CommandsAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftcam_commands_acked_total",
		Help: "Total number of acknowledged commands.",
	})

	// PendingExpiredTotal counts pending commands purged by the expiry sweep.
	PendingExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftcam_pending_expired_total",
		Help: "Total number of pending commands purged after TTL expiry.",
	})

	// PresenceEventsTotal counts broadcast presence events by status.
	PresenceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftcam_presence_events_total",
		Help: "Total number of broadcast presence events, by status.",
	}, []string{"status"})

	// ActiveStreams tracks the number of currently active streaming sessions.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftcam_active_streams",
		Help: "Current number of active streaming sessions.",
	})

	// ReconcileFetchesTotal counts confirm-fetches run by reconciliation
	// loops, by trigger (event, mount, recovery).
	ReconcileFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftcam_reconcile_fetches_total",
		Help: "Total number of reconciliation confirm-fetches, by trigger.",
	}, []string{"trigger"})

	// WebsocketConnections tracks connected presence sockets.
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftcam_websocket_connections",
		Help: "Current number of connected presence websockets.",
	})
)

// RecordDispatch increments the dispatched counter for a command type.
func RecordDispatch(commandType string) {
	CommandsDispatchedTotal.WithLabelValues(commandType).Inc()
}

// RecordReject increments the rejection counter.
func RecordReject(reason string) {
	CommandsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordAcks adds n to the acknowledged counter.
func RecordAcks(n int) {
	CommandsAckedTotal.Add(float64(n))
}

// RecordPendingExpired adds n to the expiry counter.
func RecordPendingExpired(n int) {
	PendingExpiredTotal.Add(float64(n))
}

// RecordPresenceEvent increments the presence event counter.
func RecordPresenceEvent(status string) {
	PresenceEventsTotal.WithLabelValues(status).Inc()
}

// RecordReconcileFetch increments the confirm-fetch counter.
func RecordReconcileFetch(trigger string) {
	ReconcileFetchesTotal.WithLabelValues(trigger).Inc()
}
