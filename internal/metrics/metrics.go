// Package metrics defines the Prometheus instrumentation surface exposed at
// GET /metrics. Collectors are registered via promauto against the default
// registry so wiring them into a package only requires importing this one
// and calling the exported Inc/Set/Observe helpers — no registry plumbing
// at the call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "agents",
		Name:      "connected",
		Help:      "Number of agents with an open WebSocket connection.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "webclients",
		Name:      "connected",
		Help:      "Number of operator WebSocket connections currently open.",
	})

	MachinesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "agents",
		Name:      "registrations_total",
		Help:      "Total number of agent register messages processed.",
	})

	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs submitted to the orchestrator.",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs that reached a terminal status, by status.",
	}, []string{"status"})

	ExecutionsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "jobs",
		Name:      "executions_dispatched_total",
		Help:      "Total number of job executions dispatched to an agent.",
	})

	TerminalRateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "terminal",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total number of terminal input frames rejected by the per-session rate bucket.",
	})

	TerminalSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "terminal",
		Name:      "sessions_opened_total",
		Help:      "Total number of terminal sessions issued.",
	})

	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Number of jobs currently dispatching (between submission and a terminal status).",
	})

	JobExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "job",
		Name:      "executions_total",
		Help:      "Total number of job executions that reached a terminal status, by status.",
	}, []string{"status"})

	TerminalSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "terminal",
		Name:      "sessions_active",
		Help:      "Number of terminal sessions currently open.",
	})

	SecureMessageRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "secure_message",
		Name:      "rejected_total",
		Help:      "Total number of secure message envelopes that failed verification, by reason.",
	}, []string{"reason"})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "heartbeats",
		Name:      "total",
		Help:      "Total number of agent heartbeat messages received.",
	})
)
