package hub

import (
	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/session"
)

// Server message types.
const (
	TypeAck    = "ack"
	TypeError  = "error"
	TypeEvent  = "event"
	TypeStatus = "status"
)

// TypeDetach stops forwarding a session's events to the connection. The
// session keeps running.
const TypeDetach = "detach"

// Status values.
const (
	StatusConnected = "connected"
	StatusAttached  = "attached"
	StatusDetached  = "detached"
)

// ClientMessage is a request sent by a client. Its type field selects the
// request kind.
type ClientMessage = dispatch.Request

// ServerMessage is any frame sent to a client. Result fields are inlined
// for acks.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	*dispatch.Result

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// event
	Event *session.Event `json:"event,omitempty"`
	Final bool           `json:"final,omitempty"`

	// status
	Status   string `json:"status,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}
