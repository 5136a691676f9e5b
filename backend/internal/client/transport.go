package client

import (
	"context"
	"errors"

	"github.com/webodf/Kotype/backend/internal/ops"
)

var (
	// ErrUnresolvableConflict is fatal: the local and remote operations
	// cannot be reconciled and the agent stops.
	ErrUnresolvableConflict = errors.New("unresolvable conflict")
	// ErrTransformConflict is what a Transformer returns when two operation
	// lists cannot both be applied.
	ErrTransformConflict = errors.New("operations conflict")
	ErrPlaybackFailed    = errors.New("playback failed")
	ErrAgentClosed       = errors.New("agent closed")
)

// Transformer rebases two concurrent operation lists onto each other.
// localOut applies after remote, remoteOut applies after local.
type Transformer interface {
	Transform(local, remote []ops.Op) (localOut, remoteOut []ops.Op, err error)
}

type TransformFunc func(local, remote []ops.Op) ([]ops.Op, []ops.Op, error)

func (f TransformFunc) Transform(local, remote []ops.Op) ([]ops.Op, []ops.Op, error) {
	return f(local, remote)
}

// PlaybackFunc applies operations to the local document.
type PlaybackFunc func(batch []ops.Op) error

type CommitReply struct {
	Conflict bool
	Head     int
}

// Transport submits a batch based on head to the session.
type Transport interface {
	Commit(ctx context.Context, head int, batch []ops.Op) (CommitReply, error)
}
