package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a single authenticated WebSocket connection: one principal,
// one set of activity-stream subscriptions, and at most one open
// terminal session at a time.
type Client struct {
	ID        string
	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	principal httpmw.Principal

	subscriptions map[string]bool

	termMu   sync.Mutex
	terminal *terminalSession

	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

// NewClient wraps an upgraded connection for a resolved principal.
func NewClient(id string, conn *websocket.Conn, hub *Hub, principal httpmw.Principal, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		principal:     principal,
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps inbound frames until the connection closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.closeTerminal()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendMessage(NewError("", "", ErrorCodeBadRequest, "invalid message format"))
			continue
		}
		go c.handle(ctx, &msg)
	}
}

func (c *Client) handle(ctx context.Context, msg *Message) {
	switch msg.Action {
	case ActionHealthCheck:
		c.sendMessage(NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok", "service": "trinity"}))
	case ActionActivitySubscribe:
		c.handleSubscribe(msg)
	case ActionActivityUnsubscribe:
		c.handleUnsubscribe(msg)
	case ActionTerminalOpen:
		c.handleTerminalOpen(ctx, msg)
	case ActionTerminalInput:
		c.handleTerminalInput(msg)
	case ActionTerminalClose:
		c.closeTerminal()
		c.sendMessage(NewResponse(msg.ID, msg.Action, map[string]bool{"closed": true}))
	default:
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeUnknownAction, "unknown action: "+msg.Action))
	}
}

type subscribeRequest struct {
	AgentName string `json:"agent_name"`
}

// handleSubscribe subscribes to a single agent's events, or to "all"
// when agent_name is empty or literally "all". The Access Matrix is
// checked again at every delivery, not just at subscribe time, so a
// permission revoked mid-subscription stops events immediately.
func (c *Client) handleSubscribe(msg *Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "invalid payload: "+err.Error()))
		return
	}
	topic := req.AgentName
	if topic == "" {
		topic = "all"
	}
	c.hub.Subscribe(c, topic)
	c.sendMessage(NewResponse(msg.ID, msg.Action, map[string]string{"agent_name": topic}))
}

func (c *Client) handleUnsubscribe(msg *Message) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeBadRequest, "invalid payload: "+err.Error()))
		return
	}
	topic := req.AgentName
	if topic == "" {
		topic = "all"
	}
	c.hub.Unsubscribe(c, topic)
	c.sendMessage(NewResponse(msg.ID, msg.Action, map[string]string{"agent_name": topic}))
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame", zap.String("action", string(msg.Action)))
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps outbound frames, batching anything queued behind the
// frame it just woke up for, and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				if _, err := w.Write(<-c.send); err != nil {
					_ = w.Close()
					return
				}
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorizeAgent runs the Access Matrix check a message handler needs
// before touching agentName, replying with an error frame on denial.
func (c *Client) authorizeAgent(ctx context.Context, msg *Message, action accessmatrix.Action, agentName string) bool {
	if err := c.hub.matrix.Check(ctx, c.principal, action, accessmatrix.Target{AgentName: agentName}); err != nil {
		c.sendMessage(NewError(msg.ID, msg.Action, ErrorCodeForbidden, err.Error()))
		return false
	}
	return true
}
