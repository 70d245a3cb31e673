// Package agentsession implements the Agent Session Manager: it owns each
// agent's full-duplex WebSocket stream, parses and validates inbound
// messages, maintains the write-through state cache, and broadcasts change
// notifications to subscribed web clients.
package agentsession

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/cache"
	"github.com/fleetd-io/fleetd/server/internal/db"
	"github.com/fleetd-io/fleetd/server/internal/metrics"
	"github.com/fleetd-io/fleetd/server/internal/normalize"
	"github.com/fleetd-io/fleetd/server/internal/realtime"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
	"github.com/fleetd-io/fleetd/server/internal/terminal"
)

// ExecutionSink receives command execution events from the agent stream.
// internal/orchestrator implements this; agentsession never imports it
// directly — the dependency is inverted through this consumer-defined
// interface, same as the Dispatcher pattern the orchestrator exposes back.
type ExecutionSink interface {
	HandleCommandResponse(commandID, machineID, output string, exitCode *int, completed bool)
	HandleDisconnect(machineID string)
}

// Manager owns all live agent connections.
type Manager struct {
	machines repositories.MachineRepository
	metrics  repositories.MetricRepository
	ports    repositories.PortRepository
	audit    repositories.AuditRepository

	cache *cache.State
	bus   *realtime.Bus
	term  *terminal.Service
	exec  ExecutionSink

	throttles *heartbeatClocks

	mu    sync.RWMutex
	conns map[string]*conn // keyed by machine ID

	logger *zap.Logger
}

// Deps bundles Manager's constructor dependencies.
type Deps struct {
	Machines repositories.MachineRepository
	Metrics  repositories.MetricRepository
	Ports    repositories.PortRepository
	Audit    repositories.AuditRepository
	Cache    *cache.State
	Bus      *realtime.Bus
	Terminal *terminal.Service
	Exec     ExecutionSink
	Throttle ThrottleConfig
	Logger   *zap.Logger
}

// New constructs a Manager.
func New(d Deps) *Manager {
	return &Manager{
		machines:  d.Machines,
		metrics:   d.Metrics,
		ports:     d.Ports,
		audit:     d.Audit,
		cache:     d.Cache,
		bus:       d.Bus,
		term:      d.Terminal,
		exec:      d.Exec,
		throttles: newHeartbeatClocks(d.Throttle),
		conns:     make(map[string]*conn),
		logger:    d.Logger.Named("agentsession"),
	}
}

// SetExecutionSink wires the orchestrator in after both it and the Manager
// have been constructed, breaking the cyclic dependency between them: the
// orchestrator's constructor takes a Dispatcher (which *Manager satisfies
// directly) while the Manager's constructor would otherwise need the
// orchestrator before it exists. Must be called once at startup before
// ServeWS starts accepting connections.
func (m *Manager) SetExecutionSink(exec ExecutionSink) {
	m.mu.Lock()
	m.exec = exec
	m.mu.Unlock()
}

// ServeWS handles the agent WebSocket upgrade endpoint. Authentication for
// agents happens inside the stream via the register message, not via a
// separate header — an agent is unauthenticated until it registers.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := newConn(m, w, r, m.logger)
	if err != nil {
		m.logger.Warn("agentsession: upgrade failed", zap.Error(err))
		return
	}
	c.run()
}

// handleMessage dispatches one inbound frame by its type discriminant.
// Returns false if the stream must be closed (fatal protocol violation).
func (m *Manager) handleMessage(c *conn, typ InboundType, raw []byte) bool {
	switch typ {
	case TypeRegister:
		return m.handleRegister(c, raw)
	case TypeHeartbeat:
		m.handleHeartbeat(c, raw)
	case TypeCommandResponse:
		m.handleCommandResponse(c, raw)
	case TypeTerminalOutput:
		m.handleTerminalOutput(c, raw)
	case TypePortDiscovery:
		m.handlePortDiscovery(c, raw)
	case TypeMetrics:
		m.handleMetrics(c, raw)
	case TypeSecurityEvent:
		m.handleSecurityEvent(c, raw)
	default:
		c.sendProtocolError("Protocol violation: unrecognized type", "update_agent")
	}
	return true
}

// decodePayload unmarshals a full inbound frame into T. Agent messages carry
// their fields at the top level alongside "type", not nested under a
// separate "payload" key. Every string field over maxFieldBytes is
// truncated in place before the caller ever sees it, satisfying the
// oversize-field validation rule for every handler that goes through here.
func decodePayload[T any](raw []byte) (T, bool, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, err
	}
	return v, truncateFields(&v), nil
}

// logIfTruncated records a single warning when decodePayload had to clamp
// one or more fields of an inbound message of the given type.
func (m *Manager) logIfTruncated(msgType string, truncated bool) {
	if truncated {
		m.logger.Warn("agentsession: inbound message had oversize field(s), truncated",
			zap.String("type", msgType))
	}
}

func (m *Manager) handleRegister(c *conn, raw []byte) bool {
	p, truncated, err := decodePayload[registerPayload](raw)
	if err != nil || len(p.SecretKey) != 64 || len(p.Hostname) > 255 {
		c.closeWithCode(1008)
		return false
	}
	m.logIfTruncated("register", truncated)

	secretHash := sha256Hex(p.SecretKey)

	ctx := context.Background()
	machine, err := m.machines.GetBySecretHash(ctx, secretHash)
	if err != nil {
		if err != repositories.ErrNotFound {
			c.closeWithCode(1008)
			return false
		}
		machine, err = m.machines.GetByHostnameIP(ctx, p.Hostname, p.IP)
		if err != nil && err != repositories.ErrNotFound {
			c.closeWithCode(1008)
			return false
		}
	}

	now := time.Now()
	if machine == nil {
		machine = &db.Machine{
			Hostname:        p.Hostname,
			IPAddress:       p.IP,
			OS:              p.OSInfo,
			Status:          "online",
			LastSeenAt:      &now,
			SecretHash:      secretHash,
			EncryptedSecret: db.EncryptedString(p.SecretKey),
		}
		if err := m.machines.Create(ctx, machine); err != nil {
			m.logger.Error("agentsession: create machine failed", zap.Error(err))
			c.closeWithCode(1008)
			return false
		}
	} else {
		machine.Hostname = p.Hostname
		machine.IPAddress = p.IP
		machine.OS = p.OSInfo
		machine.Status = "online"
		machine.LastSeenAt = &now
		machine.SecretHash = secretHash
		machine.EncryptedSecret = db.EncryptedString(p.SecretKey)
		if err := m.machines.Update(ctx, machine); err != nil {
			m.logger.Error("agentsession: update machine failed", zap.Error(err))
			c.closeWithCode(1008)
			return false
		}
	}

	c.machineID = machine.ID.String()
	m.mu.Lock()
	if old, exists := m.conns[c.machineID]; exists {
		old.closeWithCode(1008)
	}
	m.conns[c.machineID] = c
	count := len(m.conns)
	m.mu.Unlock()
	metrics.ConnectedAgents.Set(float64(count))
	metrics.MachinesRegistered.Inc()

	m.cache.UpsertMachine(*machine)

	c.Deliver(registeredResponse{Type: "registered", MachineID: c.machineID})

	m.bus.Publish("machine:"+c.machineID, realtime.Message{
		Type:    realtime.EventMachineRegistered,
		Payload: machineSummary(machine),
	})
	return true
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hexEncode(sum[:])
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func machineSummary(m *db.Machine) map[string]any {
	return map[string]any{
		"id":       m.ID.String(),
		"hostname": m.Hostname,
		"ip":       m.IPAddress,
		"os":       m.OS,
		"status":   m.Status,
	}
}

func (m *Manager) handleHeartbeat(c *conn, raw []byte) {
	if c.machineID == "" {
		return
	}
	p, truncated, err := decodePayload[heartbeatPayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("heartbeat", truncated)
	metrics.HeartbeatsTotal.Inc()
	now := time.Now()
	ctx := context.Background()
	id, err := uuid.Parse(c.machineID)
	if err != nil {
		return
	}

	if m.throttles.statusDue(c.machineID, now) {
		if err := m.machines.UpdateStatus(ctx, id, "online", now); err == nil {
			m.cache.UpdateMachineStatus(id, "online", now)
		}
	}

	if p.Metrics != nil && m.throttles.metricsDue(c.machineID, now) {
		metric := db.Metric{
			MachineID:     id,
			CPUUsage:      p.Metrics.CPUUsage,
			RAMUsage:      p.Metrics.RAMUsage,
			RAMUsed:       p.Metrics.RAMUsed,
			RAMTotal:      p.Metrics.RAMTotal,
			DiskUsage:     p.Metrics.DiskUsage,
			DiskUsed:      p.Metrics.DiskUsed,
			DiskTotal:     p.Metrics.DiskTotal,
			UptimeSeconds: p.Metrics.UptimeSeconds,
			RecordedAt:    now,
		}
		if err := m.metrics.Create(ctx, &metric); err == nil {
			m.cache.UpdateMetric(id, metric)
		}
	}

	if len(p.Ports) > 0 && m.throttles.portsDue(c.machineID, now) {
		m.upsertAndPrunePorts(ctx, id, p.Ports, now)
	}

	if m.throttles.broadcastDue(c.machineID, now) {
		m.bus.Publish("machine:"+c.machineID, realtime.Message{
			Type:    realtime.EventMachineHeartbeat,
			Payload: map[string]any{"machineId": c.machineID, "at": now},
		})
	}
}

func (m *Manager) upsertAndPrunePorts(ctx context.Context, machineID uuid.UUID, observed []portInfo, now time.Time) {
	for _, p := range observed {
		proto := p.Proto
		if proto == "" {
			proto = "tcp"
		}
		row := db.Port{
			MachineID:  machineID,
			Port:       p.Port,
			Proto:      proto,
			Service:    p.Service,
			State:      p.State,
			LastSeenAt: now,
		}
		if err := m.ports.Upsert(ctx, &row); err != nil {
			m.logger.Warn("agentsession: port upsert failed", zap.Error(err))
		}
	}
	if err := m.ports.DeleteStale(ctx, machineID, now); err != nil {
		m.logger.Warn("agentsession: port prune failed", zap.Error(err))
	}
	if updated, err := m.ports.ListByMachine(ctx, machineID); err == nil {
		m.cache.UpdatePorts(machineID, updated)
		m.bus.Publish("machine:"+machineID.String(), realtime.Message{
			Type:    realtime.EventPortsUpdated,
			Payload: map[string]any{"machineId": machineID.String(), "ports": updated},
		})
	}
}

func (m *Manager) handleCommandResponse(c *conn, raw []byte) {
	p, truncated, err := decodePayload[commandResponsePayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("command_response", truncated)

	output := p.Output
	if output != "" {
		if filtered, keep := normalize.Chunk(output); keep {
			m.bus.Publish("job:"+p.CommandID, realtime.Message{
				Type:    realtime.EventCommandOutput,
				Payload: map[string]any{"commandId": p.CommandID, "output": filtered},
			})
		}
	}

	if m.exec != nil {
		m.exec.HandleCommandResponse(p.CommandID, p.MachineID, output, p.ExitCode, p.Completed)
	}
}

func (m *Manager) handleTerminalOutput(c *conn, raw []byte) {
	// Truncation happens before HMAC verification below, same as every other
	// handler — an output chunk large enough to need clamping is already
	// anomalous, and its signature (computed over the full chunk) failing
	// verification afterward is the correct outcome, not a bug.
	p, truncated, err := decodePayload[terminalOutputPayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("terminal_output", truncated)

	if p.HMAC != "" {
		mid, err := uuid.Parse(p.MachineID)
		if err != nil {
			return
		}
		ctx := context.Background()
		machine, err := m.machines.GetByID(ctx, mid)
		if err != nil {
			return
		}
		secret := string(machine.EncryptedSecret)
		env := terminal.Envelope{
			SessionID: p.SessionID,
			MachineID: p.MachineID,
			Payload:   p.Output,
			Nonce:     p.Nonce,
			Timestamp: p.Timestamp,
			HMAC:      p.HMAC,
		}
		if err := terminal.Verify("terminal_output", env, []byte(secret), m.term.Nonces()); err != nil {
			m.logger.Warn("agentsession: terminal_output verification failed",
				zap.String("session_id", p.SessionID), zap.Error(err))
			return
		}
	}

	// Terminal output is never normalized — passed through verbatim so the
	// web terminal emulator can interpret control bytes and ANSI sequences.
	m.bus.Publish("machine:"+p.MachineID, realtime.Message{
		Type:    realtime.EventTerminalOutput,
		Payload: map[string]any{"sessionId": p.SessionID, "output": p.Output},
	})
}

func (m *Manager) handlePortDiscovery(c *conn, raw []byte) {
	p, truncated, err := decodePayload[portDiscoveryPayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("port_discovery", truncated)
	id, err := uuid.Parse(p.MachineID)
	if err != nil {
		return
	}
	m.upsertAndPrunePorts(context.Background(), id, p.Ports, time.Now())
}

func (m *Manager) handleMetrics(c *conn, raw []byte) {
	if c.machineID == "" {
		return
	}
	p, truncated, err := decodePayload[metricsPayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("metrics", truncated)
	now := time.Now()
	if !m.throttles.metricsDue(c.machineID, now) {
		return
	}
	id, err := uuid.Parse(p.MachineID)
	if err != nil {
		return
	}
	metric := db.Metric{
		MachineID:     id,
		CPUUsage:      p.Metric.CPUUsage,
		RAMUsage:      p.Metric.RAMUsage,
		RAMUsed:       p.Metric.RAMUsed,
		RAMTotal:      p.Metric.RAMTotal,
		DiskUsage:     p.Metric.DiskUsage,
		DiskUsed:      p.Metric.DiskUsed,
		DiskTotal:     p.Metric.DiskTotal,
		UptimeSeconds: p.Metric.UptimeSeconds,
		RecordedAt:    now,
	}
	ctx := context.Background()
	if err := m.metrics.Create(ctx, &metric); err == nil {
		m.cache.UpdateMetric(id, metric)
		m.bus.Publish("machine:"+p.MachineID, realtime.Message{
			Type:    realtime.EventMachineMetrics,
			Payload: metric,
		})
	}
}

func (m *Manager) handleSecurityEvent(c *conn, raw []byte) {
	p, truncated, err := decodePayload[securityEventPayload](raw)
	if err != nil {
		return
	}
	m.logIfTruncated("security_event", truncated)

	detail, _ := json.Marshal(p.Detail)
	entry := &db.AuditLog{
		Actor:  "agent:" + p.MachineID,
		Action: p.Kind,
		Detail: string(detail),
	}
	if mid, err := uuid.Parse(p.MachineID); err == nil {
		entry.MachineID = &mid
	}
	if err := m.audit.Create(context.Background(), entry); err != nil {
		m.logger.Warn("agentsession: audit write failed", zap.Error(err))
	}

	m.bus.Publish("security", realtime.Message{
		Type:    realtime.EventSecurityEvent,
		Payload: map[string]any{"machineId": p.MachineID, "kind": p.Kind, "detail": p.Detail},
	})
}

// handleDisconnect runs when a conn's readPump exits for any reason. It
// removes the connection entry, sets the machine offline in the store and
// cache, broadcasts the status change, and notifies the execution sink so
// the orchestrator can begin the disconnect grace period.
func (m *Manager) handleDisconnect(c *conn) {
	if c.machineID == "" {
		return
	}

	m.mu.Lock()
	if m.conns[c.machineID] == c {
		delete(m.conns, c.machineID)
	}
	count := len(m.conns)
	m.mu.Unlock()
	metrics.ConnectedAgents.Set(float64(count))

	m.throttles.delete(c.machineID)

	id, err := uuid.Parse(c.machineID)
	if err == nil {
		if err := m.machines.UpdateStatus(context.Background(), id, "offline", time.Now()); err != nil {
			m.logger.Warn("agentsession: mark offline failed", zap.Error(err))
		}
	}
	m.cache.SetOffline(id)

	m.bus.Publish("machine:"+c.machineID, realtime.Message{
		Type:    realtime.EventMachineStatusChanged,
		Payload: map[string]any{"machineId": c.machineID, "status": "offline"},
	})

	if m.exec != nil {
		m.exec.HandleDisconnect(c.machineID)
	}
}

// SendCommand implements dispatcher.Dispatcher. It wraps command in an
// execute_command envelope under the fixed session ID "system" (no session
// token is issued), HMAC-signed with the machine's decrypted secret.
func (m *Manager) SendCommand(machineID, commandID, command string) bool {
	m.mu.RLock()
	c, ok := m.conns[machineID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	mid, err := uuid.Parse(machineID)
	if err != nil {
		return false
	}
	machine, err := m.machines.GetByID(context.Background(), mid)
	if err != nil {
		return false
	}
	secret := string(machine.EncryptedSecret)

	payload, err := terminal.NormalizePayload("execute_command", map[string]any{
		"commandId": commandID,
		"command":   command,
	})
	if err != nil {
		return false
	}

	env, err := terminal.Wrap("execute_command", "system", machineID, payload, []byte(secret))
	if err != nil {
		return false
	}

	return c.Deliver(outboundEnvelope{Type: "execute_command", Envelope: env})
}

// outboundEnvelope flattens a wrapped secure message's type discriminant in
// with its envelope fields, matching the wire shape agents expect — the
// envelope is not nested under a separate "payload" key.
type outboundEnvelope struct {
	Type string `json:"type"`
	terminal.Envelope
}

// IsMachineOnline implements dispatcher.Dispatcher.
func (m *Manager) IsMachineOnline(machineID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[machineID]
	return ok
}

// Broadcast implements dispatcher.Dispatcher.
func (m *Manager) Broadcast(topic string, msg realtime.Message) {
	m.bus.Publish(topic, msg)
}

// SendToMachine delivers an arbitrary outbound frame to a connected agent,
// used by the Web Client Session Manager for wrapped terminal operations and
// unwrapped administrative pokes (update_agent, trigger_scan).
func (m *Manager) SendToMachine(machineID string, frame any) bool {
	m.mu.RLock()
	c, ok := m.conns[machineID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Deliver(frame)
}
