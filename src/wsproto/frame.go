// Package wsproto implements the WebSocket upgrade endpoint and the
// three-frame wire protocol from spec.md §4.2: it is the generalisation of
// the teacher's handler.TerminalHandler.HandleTerminalWS (same
// upgrade-then-read-loop shape, gorilla/websocket, one goroutine reading
// the socket and one forwarding container output) to a closed frame set
// with an authentication handshake in front of it, wired to src/broker
// instead of a bare map-keyed session manager.
package wsproto

import jsoniter "github.com/json-iterator/go"

// json is the fast jsoniter codec, drop-in compatible with encoding/json,
// used for every frame on the wire (teacher go.mod already carries this
// dependency for its own JSON responses).
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame types, the closed set spec.md §4.2 mandates. Anything else closes
// the connection with a protocol-error reason.
const (
	TypeAuth   = "auth"
	TypeData   = "data"
	TypeResize = "resize"
	TypeStatus = "status"
)

// Status payload values for outbound `status` frames.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// inbound is the envelope for every client->server frame. Only the fields
// relevant to Type are populated; jsoniter ignores the rest.
type inbound struct {
	Type                 string            `json:"type"`
	APIKey               string            `json:"apiKey,omitempty"`
	AccessToken          string            `json:"accessToken,omitempty"`
	SessionID            string            `json:"sessionId,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	Payload              string            `json:"payload,omitempty"`
	Cols                 uint16            `json:"cols,omitempty"`
	Rows                 uint16            `json:"rows,omitempty"`
}

// outboundStatus is the envelope for every server->client `status` frame.
type outboundStatus struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}
