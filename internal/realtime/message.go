// Package realtime implements the pub/sub event bus that pushes server
// events to connected web clients. It is transport-agnostic: callers hand it
// a Subscriber (backed by a gorilla/websocket connection in internal/webclient)
// and a topic list, and the bus takes care of fan-out.
//
// Topic naming convention:
//
//	machine:<uuid>   — status, metric and port updates for a specific machine
//	job:<uuid>       — status and execution updates for a specific job
//	security         — security events across all machines
//	audit            — audit log entries
package realtime

// EventType identifies the kind of event carried by a Message. The web
// client uses this field to route the payload to the correct store update.
type EventType string

const (
	EventMachineRegistered     EventType = "machine_registered"
	EventMachineStatusChanged  EventType = "machine_status_changed"
	EventMachineHeartbeat      EventType = "machine_heartbeat"
	EventMachineMetrics        EventType = "machine_metrics"
	EventPortsUpdated          EventType = "ports_updated"
	EventSecurityEvent         EventType = "security_event"
	EventAuditLog              EventType = "audit_log"
	EventScanCompleted         EventType = "scan_completed"
	EventScanProgress          EventType = "scan_progress"
	EventSecurityEventsResolve EventType = "security_events_resolved"
	EventCommandOutput         EventType = "command_output"
	EventCommandCompleted      EventType = "command_completed"
	EventTerminalOutput        EventType = "terminal_output"
	EventTerminalSessionCreated EventType = "terminal_session_created"
	EventJobUpdated            EventType = "job_updated"
	EventJobExecutionUpdated   EventType = "job_execution_updated"
	EventJobExecutionOutput    EventType = "job_execution_output"

	// EventPing keeps the connection alive and lets the client detect stale
	// connections; it is not one of the broadcast event types named by the
	// external interface but is needed at the transport layer.
	EventPing EventType = "ping"
)

// Message is the envelope for every event pushed to web clients.
//
// JSON example:
//
//	{"type":"machine_status_changed","topic":"machine:018f...","payload":{"status":"online"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type EventType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data; its shape varies by Type.
	Payload any `json:"payload"`
}
