package agentsession

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 << 20 // generous: a single heartbeat can carry metrics + many ports
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade for agent
// connections. CheckOrigin always returns true — origin validation is the
// responsibility of the reverse proxy in front of the control plane.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn wraps one agent's live WebSocket connection. Each conn runs two
// goroutines: readPump parses inbound frames and hands them to the Manager;
// writePump serializes outbound frames onto the wire and is the only
// goroutine allowed to write, since gorilla/websocket connections are not
// safe for concurrent writes.
type conn struct {
	manager   *Manager
	ws        *websocket.Conn
	send      chan any
	machineID string // empty until the agent completes registration
	logger    *zap.Logger
}

func newConn(m *Manager, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &conn{
		manager: m,
		ws:      ws,
		send:    make(chan any, sendBufferSize),
		logger:  logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Deliver implements dispatcher-facing send for already-wrapped envelopes
// and plain administrative messages alike; it never blocks.
func (c *conn) Deliver(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// run blocks until the connection closes.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.manager.handleDisconnect(c)
		c.ws.Close()
		close(c.send)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("agentsession: unexpected close", zap.Error(err))
			}
			return
		}

		var env inbound
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.sendProtocolError("Protocol violation: type field required", "update_agent")
			c.closeWithCode(websocket.ClosePolicyViolation)
			return
		}

		if !c.manager.handleMessage(c, env.Type, raw) {
			// handleMessage returns false only for fatal protocol violations
			// that must close the stream (e.g. failed registration).
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Warn("agentsession: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) sendProtocolError(msg, action string) {
	_ = c.ws.WriteJSON(protocolErrorResponse{Error: msg, Action: action})
}

func (c *conn) closeWithCode(code int) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
}
