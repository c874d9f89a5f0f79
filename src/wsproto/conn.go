package wsproto

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ably/terminal-broker/src/config"
)

// errMessageTooLarge is returned by readFrame when the peer's message
// exceeded MAX_WEBSOCKET_MESSAGE_SIZE, so callers can close with
// reason="message_too_large" instead of the generic auth/protocol failure
// (spec.md §4.2).
var errMessageTooLarge = errors.New("wsproto: message exceeds configured limit")

// Conn adapts a *websocket.Conn to broker.Socket. All writes go through
// writeMu because gorilla/websocket permits at most one concurrent writer;
// deliver() (live output) and the registry's status sends can both reach
// SendStatus/SendData from different goroutines.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps ws, applying the configured inbound message size limit.
func NewConn(ws *websocket.Conn, cfg *config.Config) *Conn {
	ws.SetReadLimit(int64(cfg.MaxWebsocketMessage))
	return &Conn{ws: ws}
}

// SendData forwards raw shell output verbatim as a binary WebSocket
// message (spec.md §4.2: "data (raw) ... forwarded verbatim" — unlike the
// JSON-enveloped inbound `data` frame, outbound shell bytes are not
// wrapped, so a resumed replay and a live tail are indistinguishable to
// the client from ordinary binary frames).
func (c *Conn) SendData(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

// SendStatus sends a `status` frame (spec.md §4.2).
func (c *Conn) SendStatus(status, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(outboundStatus{Type: TypeStatus, Payload: status, Reason: reason})
}

// SendStatusDetails sends a `status` frame with details, for the richer
// auth-failure and protocol-error paths that want a human-readable cause
// in addition to the reason code.
func (c *Conn) SendStatusDetails(status, reason, details string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(outboundStatus{Type: TypeStatus, Payload: status, Reason: reason, Details: details})
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// readFrame reads and decodes one inbound JSON frame, respecting deadline.
func (c *Conn) readFrame(deadline time.Time) (inbound, error) {
	var f inbound
	if !deadline.IsZero() {
		_ = c.ws.SetReadDeadline(deadline)
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return f, errMessageTooLarge
		}
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	return f, nil
}
