// Package webclient implements the Web Client Session Manager: it accepts
// operator WebSocket streams, authenticates each with a bearer token,
// subscribes the connection to the realtime event bus, and translates
// operator commands into Terminal Service and agent-bound actions.
package webclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/auth"
	"github.com/fleetd-io/fleetd/server/internal/metrics"
	"github.com/fleetd-io/fleetd/server/internal/realtime"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
	"github.com/fleetd-io/fleetd/server/internal/terminal"
)

// AgentSender delivers a frame to a connected agent. internal/agentsession's
// Manager implements this; webclient never imports agentsession directly.
type AgentSender interface {
	SendToMachine(machineID string, frame any) bool
	IsMachineOnline(machineID string) bool
}

// Manager owns all live operator connections.
type Manager struct {
	jwt      *auth.JWTManager
	term     *terminal.Service
	acl      repositories.MachineACLRepository
	machines repositories.MachineRepository
	bus      *realtime.Bus
	agents   AgentSender

	mu       sync.Mutex
	sessions map[string]map[string]struct{} // userID -> set of sessionIDs
	conns    map[string]*conn               // userID -> conn (one terminal-owning connection per user)

	logger *zap.Logger
}

// Deps bundles Manager's constructor dependencies.
type Deps struct {
	JWT      *auth.JWTManager
	Terminal *terminal.Service
	ACL      repositories.MachineACLRepository
	Machines repositories.MachineRepository
	Bus      *realtime.Bus
	Agents   AgentSender
	Logger   *zap.Logger
}

// New constructs a Manager.
func New(d Deps) *Manager {
	return &Manager{
		jwt:      d.JWT,
		term:     d.Terminal,
		acl:      d.ACL,
		machines: d.Machines,
		bus:      d.Bus,
		agents:   d.Agents,
		sessions: make(map[string]map[string]struct{}),
		conns:    make(map[string]*conn),
		logger:   d.Logger.Named("webclient"),
	}
}

// ServeWS handles the operator WebSocket upgrade endpoint GET /ws/client.
// Unauthenticated upgrades close with code 1008 immediately after the
// handshake completes — the HTTP-level upgrade itself cannot be rejected
// with a custom status once gorilla has taken over the connection.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	tok, ok := extractBearerToken(r)
	claims, err := m.jwt.ValidateAccessToken(tok)
	if !ok || err != nil {
		if ws, upErr := upgrader.Upgrade(w, r, nil); upErr == nil {
			(&conn{ws: ws}).closeWithCode(1008)
			_ = ws.Close()
		}
		return
	}

	c, err := newConn(m, w, r, claims.UserID, m.logger)
	if err != nil {
		m.logger.Warn("webclient: upgrade failed", zap.Error(err))
		return
	}

	m.bus.Subscribe(c, []string{"notifications:" + claims.UserID, "security", "audit"})

	m.mu.Lock()
	m.conns[claims.UserID] = c
	count := len(m.conns)
	m.mu.Unlock()
	metrics.ConnectedClients.Set(float64(count))

	c.run()
}

func (m *Manager) handleDisconnect(c *conn) {
	m.bus.Unsubscribe(c)

	m.mu.Lock()
	if m.conns[c.userID] == c {
		delete(m.conns, c.userID)
	}
	sessionIDs := m.sessions[c.userID]
	delete(m.sessions, c.userID)
	count := len(m.conns)
	m.mu.Unlock()
	metrics.ConnectedClients.Set(float64(count))

	for sessionID := range sessionIDs {
		m.term.End(sessionID)
	}
}

func (m *Manager) trackSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[string]struct{})
	}
	m.sessions[userID][sessionID] = struct{}{}
}

func (m *Manager) handleOperatorMessage(c *conn, typ OperatorType, raw []byte) {
	switch typ {
	case TypeSpawnTerminal:
		m.handleSpawnTerminal(c, raw)
	case TypeTerminalInput:
		m.handleTerminalInput(c, raw)
	case TypeTerminalResize:
		m.handleTerminalResize(c, raw)
	case TypeExecuteCommand:
		m.handleExecuteCommand(c, raw)
	case TypeUpdateAgent:
		m.handleUpdateAgent(c, raw)
	case TypeTriggerScan:
		m.handleTriggerScan(c, raw)
	default:
		c.sendError("unrecognized message type")
	}
}

func (m *Manager) handleSpawnTerminal(c *conn, raw []byte) {
	var p spawnTerminalPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MachineID == "" {
		c.sendError("spawn_terminal requires machineId")
		return
	}

	tok, err := m.term.Issue(c.userID, p.MachineID, terminal.DefaultCapabilities, m.aclChecker())
	if err != nil {
		c.sendError("access denied")
		return
	}
	metrics.TerminalSessionsOpened.Inc()

	m.trackSession(c.userID, tok.SessionID)

	c.sendDirect(terminalSpawnedResponse{
		Type:         "terminal_spawned",
		SessionID:    tok.SessionID,
		Signature:    tok.Signature,
		MachineID:    tok.MachineID,
		ExpiresAt:    tok.ExpiresAt,
		Capabilities: tok.Capabilities,
	})
}

func (m *Manager) handleTerminalInput(c *conn, raw []byte) {
	var p terminalInputPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		c.sendError("terminal_input requires sessionId")
		return
	}
	m.forwardWrapped(c, p.SessionID, p.Signature, "terminal_input", "terminal_stdin",
		map[string]any{"data": p.Data})
}

func (m *Manager) handleTerminalResize(c *conn, raw []byte) {
	var p terminalResizePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		c.sendError("terminal_resize requires sessionId")
		return
	}
	m.forwardWrapped(c, p.SessionID, p.Signature, "terminal_resize", "terminal_resize",
		map[string]any{"cols": p.Cols, "rows": p.Rows})
}

// forwardWrapped validates the session token (refreshing it silently if
// near expiry), applies the per-session rate limit, wraps payload in an
// HMAC envelope keyed by the target machine's decrypted secret, and
// forwards it to the agent under outboundType.
func (m *Manager) forwardWrapped(c *conn, sessionID, signature, payloadType, outboundType string, fields map[string]any) {
	tok, err := m.term.Validate(sessionID, signature)
	if err != nil {
		c.sendError("invalid or expired session")
		return
	}

	bucket := m.term.Bucket(sessionID)
	if bucket != nil && !bucket.Consume() {
		metrics.TerminalRateLimitExceeded.Inc()
		if bucket.ShouldWarn() {
			m.logger.Warn("webclient: rate limit exceeded", zap.String("session_id", sessionID))
		}
		return
	}

	mid, err := uuid.Parse(tok.MachineID)
	if err != nil {
		return
	}
	machine, err := m.machines.GetByID(context.Background(), mid)
	if err != nil {
		c.sendError("machine not found")
		return
	}
	secret := string(machine.EncryptedSecret)

	payload, err := terminal.NormalizePayload(payloadType, fields)
	if err != nil {
		return
	}

	env, err := terminal.Wrap(payloadType, sessionID, tok.MachineID, payload, []byte(secret))
	if err != nil {
		return
	}

	if !m.agents.SendToMachine(tok.MachineID, outboundEnvelope{Type: outboundType, Envelope: env}) {
		c.sendError("agent offline")
	}
}

// outboundEnvelope flattens the type discriminant in with the envelope's own
// fields — agents expect sessionId/machineId/payload/nonce/timestamp/hmac at
// the top level, not nested under a separate key.
type outboundEnvelope struct {
	Type string `json:"type"`
	terminal.Envelope
}

func (m *Manager) handleExecuteCommand(c *conn, raw []byte) {
	var p executeCommandPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MachineID == "" || p.CommandID == "" {
		c.sendError("execute_command requires machineId and commandId")
		return
	}

	if !m.agents.IsMachineOnline(p.MachineID) {
		c.sendError("agent offline")
		return
	}

	tok, err := m.term.Issue("system", p.MachineID, []string{"execute_command"}, nil)
	if err != nil {
		c.sendError("could not issue command token")
		return
	}

	mid, err := uuid.Parse(p.MachineID)
	if err != nil {
		return
	}
	machine, err := m.machines.GetByID(context.Background(), mid)
	if err != nil {
		c.sendError("machine not found")
		return
	}
	secret := string(machine.EncryptedSecret)

	payload, err := terminal.NormalizePayload("execute_command", map[string]any{
		"commandId": p.CommandID,
		"command":   p.Command,
	})
	if err != nil {
		return
	}

	env, err := terminal.Wrap("execute_command", tok.SessionID, p.MachineID, payload, []byte(secret))
	if err != nil {
		return
	}

	m.agents.SendToMachine(p.MachineID, outboundEnvelope{Type: "execute_command", Envelope: env})
	// One-shot: the token exists only to produce this single HMAC envelope.
	m.term.End(tok.SessionID)
}

// handleUpdateAgent and handleTriggerScan are unwrapped administrative
// pokes — idempotent instructions whose audit trail lives agent-side, per
// the command dispatch design.
func (m *Manager) handleUpdateAgent(c *conn, raw []byte) {
	var p updateAgentPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MachineID == "" {
		c.sendError("update_agent requires machineId")
		return
	}
	if !m.agents.SendToMachine(p.MachineID, map[string]any{"type": "update_agent"}) {
		c.sendError("agent offline")
	}
}

func (m *Manager) handleTriggerScan(c *conn, raw []byte) {
	var p triggerScanPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MachineID == "" {
		c.sendError("trigger_scan requires machineId")
		return
	}
	if !m.agents.SendToMachine(p.MachineID, map[string]any{"type": "trigger_scan"}) {
		c.sendError("agent offline")
	}
}

// aclAdapter satisfies terminal.ACLChecker over the MachineACLRepository.
type aclAdapter struct {
	repo repositories.MachineACLRepository
}

func (a aclAdapter) Has(userID, machineID uuid.UUID) (bool, error) {
	return a.repo.Has(context.Background(), userID, machineID)
}

func (m *Manager) aclChecker() terminal.ACLChecker {
	return aclAdapter{repo: m.acl}
}
