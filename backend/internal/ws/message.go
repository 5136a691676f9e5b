package ws

import (
	"encoding/json"

	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/ops"
)

// Client to server message types.
const (
	TypeJoin         = "join"
	TypeReplay       = "replay"
	TypeCommit       = "commit_ops"
	TypeAccessGet    = "access_get"
	TypeAccessChange = "access_change"
	TypeLeave        = "leave"
)

// Server only message types. Session events use collab's event names.
const (
	TypeWelcome = "welcome"
	TypeError   = "error"
	TypeIgnored = "ignored"
)

// Error codes carried by an error message.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnknownDocument = "UNKNOWN_DOCUMENT"
	CodeForbidden       = "FORBIDDEN"
	CodeNotJoined       = "NOT_JOINED"
	CodeAlreadyJoined   = "ALREADY_JOINED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// ClientMessage is one frame from a client. ReqID, when set, is echoed on
// the reply.
type ClientMessage struct {
	Type  string          `json:"type"`
	ReqID string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId,omitempty"`
	Data  any    `json:"data,omitempty"`

	// final messages are followed by a close frame and a hang-up
	final bool
}

type JoinRequest struct {
	DocumentID string `json:"documentId"`
}

type CommitRequest struct {
	Head int     `json:"head"`
	Ops  ops.Log `json:"ops"`
}

type AccessRequest struct {
	Access string `json:"access"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WelcomePayload struct {
	UserID uint64 `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

func fromOutbound(msg collab.Outbound) ServerMessage {
	sm := ServerMessage{Type: msg.EventName(), Data: msg}
	if r, ok := msg.(collab.Reply); ok {
		sm.ReqID = r.RequestID()
	}
	if _, ok := msg.(collab.Kick); ok {
		sm.Data = nil
		sm.final = true
	}
	return sm
}
