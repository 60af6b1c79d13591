package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool
	permissions   []auth.Permission
}

type clientMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token,omitempty"`
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if c.hub.authService.Enabled() {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.accept(auth.RoleOperator.Permissions())
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			break
		}

		// First message MUST be authentication
		if !c.authenticated {
			if msg.Type != MessageTypeAuth {
				c.rejectAuth("First message must be authentication")
				return
			}
			if msg.Token == "" {
				c.rejectAuth("Missing token in auth message")
				return
			}

			_, permissions, err := c.hub.authService.Authenticate(msg.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
				c.rejectAuth("Invalid or expired token")
				return
			}

			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.accept(permissions)
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.remoteAddr()),
				zap.Any("permissions", permissions))
			continue
		}

		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", string(msg.Type)))
	}
}

// accept confirms the handshake and registers the client with the hub.
func (c *Client) accept(permissions []auth.Permission) {
	c.authenticated = true
	c.permissions = permissions

	data, _ := json.Marshal(map[string]interface{}{
		"type":        MessageTypeAuthSuccess,
		"timestamp":   time.Now(),
		"permissions": permissions,
	})
	c.send <- data
	go c.writePump()

	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
}

// rejectAuth writes the failure synchronously, the write pump is not
// running for unauthenticated clients.
func (c *Client) rejectAuth(reason string) {
	data, _ := json.Marshal(map[string]interface{}{
		"type":      MessageTypeAuthFailed,
		"timestamp": time.Now(),
		"reason":    reason,
	})
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.TextMessage, data)
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.readPump()
}
