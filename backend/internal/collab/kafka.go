package collab

import (
	"time"

	"github.com/google/uuid"

	"github.com/webodf/Kotype/backend/internal/ops"
)

const EventOpsCommitted = "OPS_COMMITTED"

// CommitEvent is published for every batch appended to a document log,
// including the ones the session writes itself on join and detach.
type CommitEvent struct {
	EventType   string    `json:"eventType"`
	EventID     string    `json:"eventId"`
	DocumentID  string    `json:"documentId"`
	MemberID    string    `json:"memberId"`
	AuthorID    uint64    `json:"authorId"`
	BaseHead    int       `json:"baseHead"`
	Head        int       `json:"head"`
	Ops         ops.Log   `json:"ops"`
	CommittedAt time.Time `json:"committedAt"`
}

// EventSink receives commit events. Publish must not block.
type EventSink interface {
	Publish(evt CommitEvent)
}

func newCommitEvent(docID, memberID string, author uint64, base int, batch []ops.Op, at time.Time) CommitEvent {
	return CommitEvent{
		EventType:   EventOpsCommitted,
		EventID:     uuid.NewString(),
		DocumentID:  docID,
		MemberID:    memberID,
		AuthorID:    author,
		BaseHead:    base,
		Head:        base + len(batch),
		Ops:         batch,
		CommittedAt: at,
	}
}
