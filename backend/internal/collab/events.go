package collab

import (
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/ops"
)

// Peer is one connected socket as a session sees it.
//
// Send must not block: sessions call it while holding their lock, so the
// order of Send calls is the order the peer observes.
type Peer interface {
	User() *model.User
	Send(msg Outbound)
	// Kick tells the peer it was removed and disconnects it.
	Kick()
	// Done is closed once the peer's connection is gone.
	Done() <-chan struct{}
}

// Outbound is a server to client message.
type Outbound interface {
	EventName() string
}

// Reply answers a specific client request.
type Reply interface {
	Outbound
	RequestID() string
}

const (
	EventJoinSuccess   = "join_success"
	EventReplay        = "replay"
	EventNewOps        = "new_ops"
	EventCommit        = "commit_ops"
	EventAccessGet     = "access_get"
	EventAccessChanged = "access_changed"
	EventLeave         = "leave"
	EventKick          = "kick"
)

const (
	AccessPublic = "public"
	AccessNormal = "normal"
)

func accessOf(public bool) string {
	if public {
		return AccessPublic
	}
	return AccessNormal
}

type JoinSuccess struct {
	ReqID    string `json:"-"`
	MemberID string `json:"memberId"`
}

func (JoinSuccess) EventName() string   { return EventJoinSuccess }
func (m JoinSuccess) RequestID() string { return m.ReqID }

type ReplayReply struct {
	ReqID string  `json:"-"`
	Head  int     `json:"head"`
	Ops   ops.Log `json:"ops"`
}

func (ReplayReply) EventName() string   { return EventReplay }
func (m ReplayReply) RequestID() string { return m.ReqID }

// NewOps carries operations committed by another member.
type NewOps struct {
	Head int     `json:"head"`
	Ops  ops.Log `json:"ops"`
}

func (NewOps) EventName() string { return EventNewOps }

// CommitReply omits head on conflict.
type CommitReply struct {
	ReqID    string `json:"-"`
	Conflict bool   `json:"conflict"`
	Head     *int   `json:"head,omitempty"`
}

func (CommitReply) EventName() string   { return EventCommit }
func (m CommitReply) RequestID() string { return m.ReqID }

type AccessReply struct {
	ReqID  string `json:"-"`
	Access string `json:"access"`
}

func (AccessReply) EventName() string   { return EventAccessGet }
func (m AccessReply) RequestID() string { return m.ReqID }

type AccessChanged struct {
	Access string `json:"access"`
}

func (AccessChanged) EventName() string { return EventAccessChanged }

type LeaveReply struct {
	ReqID string `json:"-"`
}

func (LeaveReply) EventName() string   { return EventLeave }
func (m LeaveReply) RequestID() string { return m.ReqID }

type Kick struct{}

func (Kick) EventName() string { return EventKick }
