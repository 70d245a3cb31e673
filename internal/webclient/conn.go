package webclient

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn wraps one operator's WebSocket connection. Unlike the teacher's
// server-push-only Client, this one reads application messages from the
// operator (spawn_terminal, terminal_input, ...), since the Web Client
// Session Manager's protocol is bidirectional.
type conn struct {
	manager *Manager
	ws      *websocket.Conn
	send    chan any
	userID  string
	logger  *zap.Logger
}

func newConn(m *Manager, w http.ResponseWriter, r *http.Request, userID string, logger *zap.Logger) (*conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &conn{
		manager: m,
		ws:      ws,
		send:    make(chan any, sendBufferSize),
		userID:  userID,
		logger:  logger.With(zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Deliver implements realtime.Subscriber.
func (c *conn) Deliver(msg realtime.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

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
				c.logger.Warn("webclient: unexpected close", zap.Error(err))
			}
			return
		}

		var env inbound
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.sendError("malformed message")
			continue
		}

		c.manager.handleOperatorMessage(c, env.Type, raw)
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
				c.logger.Warn("webclient: write error", zap.Error(err))
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

// sendDirect bypasses the realtime.Message envelope for responses that are
// specific to this connection rather than bus-published events (the
// terminal_spawned acknowledgement, protocol errors).
func (c *conn) sendDirect(v any) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *conn) sendError(msg string) {
	c.sendDirect(operatorErrorResponse{Type: "error", Error: msg})
}

func (c *conn) closeWithCode(code int) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
}
