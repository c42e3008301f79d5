package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosshatch-labs/crosshatch/internal/notify"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/pkg/helpers"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// wsFrame is an inbound client frame: an auth handshake carrying a
// token, or a subscription command.
type wsFrame struct {
	Token   string `json:"token,omitempty"`
	Action  string `json:"action,omitempty"`  // "subscribe" or "unsubscribe"
	Channel string `json:"channel,omitempty"` // "session", "prices", or "alerts"
	Key     string `json:"key,omitempty"`     // session id or price pair
}

// wsClient is one WebSocket subscriber. Outbound frames are notify
// messages; the notify registry feeds the send buffer through sink.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	log    *logging.Logger
}

// handleWS upgrades the connection and runs the subscriber protocol.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		http.Error(w, "push channel disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		log:    s.log,
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads client frames until the connection drops. The first
// frame must be the auth handshake when a token is configured.
func (c *wsClient) readPump() {
	defer func() {
		c.server.notifier.Disconnect(c.id)
		c.conn.Close()
		c.log.Debug("WebSocket client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	authed := c.server.authToken == ""
	if authed {
		if !c.attach() {
			return
		}
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("malformed message")
			continue
		}

		if !authed {
			if !helpers.ConstantTimeCompare([]byte(frame.Token), []byte(c.server.authToken)) {
				c.sendError("unauthorized")
				break
			}
			authed = true
			if !c.attach() {
				break
			}
			continue
		}

		if frame.Action == "" {
			// A handshake sent to an open server is harmless.
			if frame.Token != "" {
				continue
			}
			c.sendError("missing action")
			continue
		}

		c.handleCommand(&frame)
	}
}

// attach registers the client with the notify registry.
func (c *wsClient) attach() bool {
	if err := c.server.notifier.Attach(c.id, c.sink); err != nil {
		c.log.Error("Failed to attach subscriber", "client", c.id, "error", err)
		return false
	}
	c.log.Debug("WebSocket client connected", "client", c.id)
	return true
}

// handleCommand applies one subscription change.
func (c *wsClient) handleCommand(frame *wsFrame) {
	ch := notify.Channel(frame.Channel)

	switch frame.Action {
	case "subscribe":
		switch ch {
		case notify.ChannelSession:
			if frame.Key == "" {
				c.sendError("session subscription needs a key")
				return
			}
			sess, err := c.server.store.Get(frame.Key)
			if err != nil {
				c.sendError("session not found")
				return
			}
			if err := c.server.notifier.Subscribe(c.id, ch, frame.Key); err != nil {
				c.sendError(err.Error())
				return
			}
			c.enqueue(snapshotMessage(sess))
		case notify.ChannelPrices:
			if frame.Key == "" {
				c.sendError("price subscription needs a pair key")
				return
			}
			if err := c.server.notifier.Subscribe(c.id, ch, frame.Key); err != nil {
				c.sendError(err.Error())
			}
		case notify.ChannelAlerts:
			if err := c.server.notifier.Subscribe(c.id, ch, ""); err != nil {
				c.sendError(err.Error())
			}
		default:
			c.sendError("unknown channel")
		}

	case "unsubscribe":
		c.server.notifier.Unsubscribe(c.id, ch, frame.Key)

	default:
		c.sendError("unknown action")
	}
}

// sink receives fan-out messages from the notify registry. Returning
// false drops the subscriber.
func (c *wsClient) sink(msg *notify.Message) bool {
	return c.enqueue(msg)
}

// enqueue marshals a message into the send buffer. A full buffer means
// the client has stopped reading; the connection is closed.
func (c *wsClient) enqueue(msg *notify.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Failed to marshal message", "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("WebSocket send buffer full, dropping client", "client", c.id)
		c.conn.Close()
		return false
	}
}

// sendError pushes an error frame to this client only.
func (c *wsClient) sendError(message string) {
	c.enqueue(&notify.Message{
		Type:      notify.TypeError,
		Payload:   map[string]string{"message": message},
		Timestamp: time.Now(),
	})
}

// snapshotMessage renders the full session state for a fresh subscriber.
func snapshotMessage(sess *swap.Session) *notify.Message {
	return &notify.Message{
		Type:      notify.TypeSessionSnapshot,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Progress:  sess.Progress,
		Payload:   newSessionView(sess),
		Timestamp: time.Now(),
	}
}

// writePump writes buffered frames and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
