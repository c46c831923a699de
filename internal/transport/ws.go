package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabedit/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// Conn is one WebSocket session. It implements hub.Sink so the Hub can
// deliver outbound events to it directly.
type Conn struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *hub.Hub
	dispatcher *Dispatcher
	log        *zap.Logger
	sessionID  string
	documentID string
}

// Send implements hub.Sink. A full outbound buffer means the peer is too
// slow or gone; the caller must disconnect the session.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return errSinkFull
	}
}

func (c *Conn) setDocumentID(id string) { c.documentID = id }

func (c *Conn) sendError(message string) error {
	data, err := encodeTypedPublic("error", map[string]string{"message": message})
	if err != nil {
		return err
	}
	return c.Send(data)
}

// encodeTypedPublic mirrors hub's encodeTyped for the one outbound shape
// the transport layer constructs itself: the error message sent for a
// join-document rejection, an operation or cursor-update from a session
// the Hub cannot route, or a malformed inbound record.
func encodeTypedPublic(typ string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	typeBytes, _ := json.Marshal(typ)
	m["type"] = typeBytes
	return json.Marshal(m)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewServeWS returns the http.HandlerFunc that upgrades a request to a
// WebSocket and hands it a Conn wired to h and d. An empty allowedOrigin
// allows any origin, the development default.
func NewServeWS(h *hub.Hub, d *Dispatcher, log *zap.Logger, allowedOrigin string) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		if allowedOrigin == "" || allowedOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == allowedOrigin
	}

	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &Conn{
			conn:       wsConn,
			send:       make(chan []byte, sendBufferSize),
			hub:        h,
			dispatcher: d,
			log:        log,
			sessionID:  uuid.NewString(),
		}
		go c.writePump()
		go c.readPump()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Disconnect(c.sessionID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.String("sessionId", c.sessionID), zap.Error(err))
			}
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.log.Debug("malformed inbound envelope", zap.Error(err))
			_ = c.sendError("malformed message")
			continue
		}
		if err := c.dispatcher.Dispatch(c, env); err != nil {
			c.log.Debug("dispatch error", zap.String("type", env.Type), zap.Error(err))
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Batch any further already-queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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
