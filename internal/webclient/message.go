package webclient

// OperatorType discriminates the JSON messages a web client may send.
type OperatorType string

const (
	TypeSpawnTerminal  OperatorType = "spawn_terminal"
	TypeTerminalInput  OperatorType = "terminal_input"
	TypeTerminalResize OperatorType = "terminal_resize"
	TypeExecuteCommand OperatorType = "execute_command"
	TypeUpdateAgent    OperatorType = "update_agent"
	TypeTriggerScan    OperatorType = "trigger_scan"
)

type inbound struct {
	Type OperatorType `json:"type"`
}

type spawnTerminalPayload struct {
	MachineID string `json:"machineId"`
}

type terminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Signature string `json:"signature"`
	Data      string `json:"data"`
}

type terminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Signature string `json:"signature"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type executeCommandPayload struct {
	MachineID string `json:"machineId"`
	CommandID string `json:"commandId"`
	Command   string `json:"command"`
}

type updateAgentPayload struct {
	MachineID string `json:"machineId"`
}

type triggerScanPayload struct {
	MachineID string `json:"machineId"`
}

// terminalSpawnedResponse is sent to the operator once a session token has
// been issued for a spawn_terminal request.
type terminalSpawnedResponse struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	Signature    string   `json:"signature"`
	MachineID    string   `json:"machineId"`
	ExpiresAt    int64    `json:"expiresAt"`
	Capabilities []string `json:"capabilities"`
}

type operatorErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
