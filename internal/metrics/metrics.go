// Package metrics registers the process-wide Prometheus collectors.
// Collectors are package-level so any component can record without
// plumbing a registry through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SocketsOpen tracks attached realtime sockets per project.
	SocketsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_realtime_sockets_open",
		Help: "Number of open realtime sockets.",
	}, []string{"project"})

	// BroadcastsTotal counts frames fanned out to sockets.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_realtime_broadcasts_total",
		Help: "Total frames written during broadcasts.",
	}, []string{"project"})

	// CdpRequestsTotal counts remote-debug relay requests by outcome
	// (ok, error, timeout, canceled, no_browser).
	CdpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_cdp_requests_total",
		Help: "Remote-debug relay requests by outcome.",
	}, []string{"project", "outcome"})

	// AgentSessionsTotal counts finished agent sessions by terminal status.
	AgentSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_agent_sessions_total",
		Help: "Agent sessions by terminal status.",
	}, []string{"project", "status"})

	// SnapshotsCreatedTotal counts snapshots written by agent runs.
	SnapshotsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_snapshots_created_total",
		Help: "Snapshots created.",
	}, []string{"project"})

	// WatcherUpdatesTotal counts live-reload updates triggered by the
	// filesystem watcher.
	WatcherUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_watcher_updates_total",
		Help: "Live-reload updates triggered by file watching.",
	}, []string{"project"})
)
