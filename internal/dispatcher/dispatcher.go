// Package dispatcher breaks the cyclic dependency between the job
// orchestrator and the agent session manager. The orchestrator needs to send
// commands to agents and know whether a machine is currently connected, and
// does so through this package's interface instead of importing
// agentsession. The other direction, the agent session manager notifying the
// orchestrator when output arrives, goes through agentsession's own
// ExecutionSink interface.
package dispatcher

import "github.com/fleetd-io/fleetd/server/internal/realtime"

// Dispatcher is implemented by internal/agentsession and consumed by
// internal/orchestrator. The orchestrator never imports agentsession.
type Dispatcher interface {
	// SendCommand delivers an execute_command envelope to machineID over its
	// live agent connection. Returns false if the machine has no open
	// connection or the send could not be queued.
	SendCommand(machineID, commandID, command string) bool

	// IsMachineOnline reports whether machineID currently has an open agent
	// connection. Used at dispatch time to short-circuit offline targets
	// without waiting for a send to fail.
	IsMachineOnline(machineID string) bool

	// Broadcast publishes a realtime event to subscribed web clients.
	Broadcast(topic string, msg realtime.Message)
}
