// Package protocol defines the JSON frames exchanged between the relay and its
// clients. Every websocket text frame carries one Envelope; the Data field holds
// the event specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names on the wire.
const (
	EventConnectionAck   = "connection_ack"
	EventNFCData         = "nfcData"
	EventNFCDataReceived = "nfcDataReceived"
	EventNFCDataAck      = "nfcDataAck"
	EventPing            = "ping"
	EventPong            = "pong"
)

// Local events raised by a client session, never sent over the wire.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
)

// Disconnect reasons, shared by the server logs and the client session.
const (
	ReasonServerDisconnect   = "io server disconnect"
	ReasonClientDisconnect   = "io client disconnect"
	ReasonClientNamespace    = "client namespace disconnect"
	ReasonTransportClose     = "transport close"
	ReasonPingTimeout        = "ping timeout"
	ReasonServerShuttingDown = "server shutting down"
)

// TimeFormat matches JavaScript's Date.toISOString.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerInfo identifies the relay deployment.
type ServerInfo struct {
	Platform string `json:"platform"`
	Project  string `json:"project"`
	Version  string `json:"version"`
}

// ConnectionAck is sent once to every newly registered client.
type ConnectionAck struct {
	Status     string     `json:"status"`
	ID         string     `json:"id"`
	ServerTime string     `json:"serverTime"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// NFCData is what a scanner submits. TagData is opaque to the relay.
type NFCData struct {
	Timestamp string          `json:"timestamp,omitempty"`
	TagData   json.RawMessage `json:"tagData,omitempty"`
}

// NFCDataReceived is the broadcast copy. Fields other than these two are carried
// through from the submitted object untouched.
type NFCDataReceived struct {
	Timestamp      string          `json:"timestamp"`
	SourceClientID string          `json:"sourceClientId"`
	TagData        json.RawMessage `json:"tagData,omitempty"`
}

// NFCDataAck goes back to the submitter only.
type NFCDataAck struct {
	Received  bool   `json:"received"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"messageId"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime string `json:"serverTime"`
	ClientID   string `json:"clientId"`
}

// DisconnectInfo is the payload of the local disconnect event.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// ConnectErrorInfo is the payload of the local connect_error event.
type ConnectErrorInfo struct {
	Message string `json:"message"`
}

// ReconnectAttemptInfo is the payload of the local reconnect_attempt event.
type ReconnectAttemptInfo struct {
	Attempt int `json:"attempt"`
}

// FormatTime renders t the way every timestamp on the wire is rendered.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Encode marshals data into an envelope frame for event.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses one frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing event name")
	}
	return env, nil
}
