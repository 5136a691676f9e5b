package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/ops"
)

const (
	DefaultSubmitDelay   = 300 * time.Millisecond
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

type Options struct {
	// SubmitDelay batches pushes made within it into one commit.
	SubmitDelay time.Duration
	// RetryDelay is the first wait after the transport fails a commit. It
	// doubles on every further failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *zap.Logger
	// OnError receives the fatal error that stopped the agent, and commit
	// failures of the transport, which are retried with backoff.
	OnError func(error)
	// OnUnsyncedChange reports HasLocalUnsynced flipping.
	OnUnsyncedChange func(bool)
	Now              func() time.Time
}

// Agent keeps a client's document in step with its session. Local ops are
// played back at once and submitted in the background; server ops are
// rebased over whatever is still unacknowledged.
//
// Playback and the Options hooks other than OnError run with the agent's
// lock held and must not call back into it.
type Agent struct {
	transport Transport
	transform Transformer
	playback  PlaybackFunc
	opt       Options
	log       *zap.Logger
	task      *Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	head     int
	unsynced []ops.Op
	unplayed []ops.Op
	sending  bool
	inflight bool
	// backoff after a transport failure, 0 once a commit gets through
	retry    time.Duration
	inbox    []delivery
	closed   bool
	err      error
	reported bool
	// closed and replaced on every Receive
	delivered chan struct{}
}

type delivery struct {
	head  int
	batch []ops.Op
}

func NewAgent(transport Transport, transform Transformer, playback PlaybackFunc, opt Options) *Agent {
	if opt.SubmitDelay <= 0 {
		opt.SubmitDelay = DefaultSubmitDelay
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.MaxRetryDelay <= 0 {
		opt.MaxRetryDelay = DefaultMaxRetryDelay
	}
	opt.MaxRetryDelay = max(opt.MaxRetryDelay, opt.RetryDelay)
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		transport: transport,
		transform: transform,
		playback:  playback,
		opt:       opt,
		log:       opt.Logger,
		ctx:       ctx,
		cancel:    cancel,
		delivered: make(chan struct{}),
	}
	a.task = NewTask(a.submit, opt.SubmitDelay)
	return a
}

func (a *Agent) Head() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head
}

func (a *Agent) HasLocalUnsynced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unsynced) > 0
}

// Err is the fatal error that stopped the agent, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Push plays back locally produced ops and queues them for submission.
func (a *Agent) Push(batch []ops.Op) error {
	if len(batch) == 0 {
		return nil
	}
	now := a.opt.Now().UnixMilli()
	stamped := make([]ops.Op, 0, len(batch))
	for _, op := range batch {
		s, err := ops.Stamp(op, now)
		if err != nil {
			return err
		}
		stamped = append(stamped, s)
	}

	a.mu.Lock()
	err := a.pushLocked(stamped)
	a.mu.Unlock()
	if err != nil {
		return a.reportFatal(err)
	}
	a.task.Trigger()
	return nil
}

func (a *Agent) pushLocked(batch []ops.Op) error {
	if err := a.usableLocked(); err != nil {
		return err
	}
	before := len(a.unsynced) > 0
	if err := a.playLocked(batch); err != nil {
		return err
	}
	if len(a.unplayed) > 0 {
		local, remote, err := a.transform.Transform(batch, a.unplayed)
		if err != nil {
			return a.failLocked(fmt.Errorf("%w: %w", ErrUnresolvableConflict, err))
		}
		a.unsynced = append(a.unsynced, local...)
		a.unplayed = remote
	} else {
		a.unsynced = append(a.unsynced, batch...)
	}
	a.unsyncedChangedLocked(before)
	return nil
}

// Receive takes ops the server delivered, from a replay or from another
// member's commit, and the head they bring the session to.
func (a *Agent) Receive(head int, batch []ops.Op) error {
	a.mu.Lock()
	err := a.usableLocked()
	var resubmit bool
	if err == nil {
		if a.inflight {
			// ordered after the outstanding commit's reply, which is
			// still on its way to submit
			a.inbox = append(a.inbox, delivery{head: head, batch: batch})
		} else {
			err = a.receiveLocked(head, batch)
			// a failed commit left ops behind; the connection is evidently up
			resubmit = err == nil && len(a.unsynced) > 0 && !a.sending
		}
	}
	a.mu.Unlock()
	if err != nil {
		return a.reportFatal(err)
	}
	if resubmit {
		a.task.Trigger()
	}
	return nil
}

func (a *Agent) receiveLocked(head int, batch []ops.Op) error {
	defer func() {
		close(a.delivered)
		a.delivered = make(chan struct{})
	}()

	switch {
	case len(a.unsynced) > 0:
		local, remote, err := a.transform.Transform(a.unsynced, batch)
		if err != nil {
			return a.failLocked(fmt.Errorf("%w: %w", ErrUnresolvableConflict, err))
		}
		a.unsynced = local
		a.unplayed = append(a.unplayed, remote...)
		if len(a.unsynced) == 0 {
			// the server made every local op obsolete
			a.unsyncedChangedLocked(true)
			if !a.sending {
				if err := a.drainUnplayedLocked(); err != nil {
					return err
				}
			}
		}
	case len(a.unplayed) > 0:
		// a resubmission is still deciding what to do with these
		a.unplayed = append(a.unplayed, batch...)
	default:
		if err := a.playLocked(batch); err != nil {
			return err
		}
	}
	a.head = head
	return nil
}

// receiveInboxLocked handles deliveries held back while a commit was in
// flight.
func (a *Agent) receiveInboxLocked() error {
	inbox := a.inbox
	a.inbox = nil
	for _, d := range inbox {
		if err := a.receiveLocked(d.head, d.batch); err != nil {
			return err
		}
	}
	return nil
}

// Close stops submitting and waits for an outstanding commit to return.
// Unsynced ops are abandoned.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.task.Stop()
	a.cancel()
	a.wg.Wait()
}

// submit runs on the task's timer. At most one runs at a time; a trigger
// arriving while one is outstanding is picked up by its loop.
func (a *Agent) submit() {
	a.mu.Lock()
	if a.sending || a.usableLocked() != nil {
		a.mu.Unlock()
		return
	}
	a.sending = true
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	for {
		batch, head, seen, err := a.nextBatch()
		if err != nil {
			_ = a.reportFatal(err)
			return
		}
		if batch == nil {
			return
		}

		reply, err := a.transport.Commit(a.ctx, head, batch)

		a.mu.Lock()
		a.inflight = false
		var fatal error
		var retry time.Duration
		switch {
		case err != nil:
			a.sending = false
			fatal = a.receiveInboxLocked()
			if len(a.unsynced) > 0 {
				retry = a.backoffLocked()
			}
		case reply.Conflict:
			a.retry = 0
			fatal = a.receiveInboxLocked()
		default:
			a.retry = 0
			a.head = reply.Head
			// nothing the server sent before the accepted reply touched
			// the sent prefix
			a.unsynced = a.unsynced[min(len(batch), len(a.unsynced)):]
			if len(a.unsynced) == 0 {
				a.unsynced = nil
				fatal = a.drainUnplayedLocked()
				a.unsyncedChangedLocked(true)
			}
			if fatal == nil {
				fatal = a.receiveInboxLocked()
			}
		}
		if fatal != nil {
			a.sending = false
		}
		a.mu.Unlock()

		if fatal != nil {
			_ = a.reportFatal(fatal)
			return
		}
		if err != nil {
			if a.ctx.Err() == nil {
				a.log.Warn("commit failed", zap.Int("head", head), zap.Int("ops", len(batch)),
					zap.Duration("retry", retry), zap.Error(err))
				if retry > 0 {
					a.task.TriggerAfter(retry)
				}
				a.report(err)
			}
			return
		}
		if reply.Conflict {
			a.log.Debug("commit conflicted, waiting for server ops", zap.Int("head", head))
			select {
			case <-seen:
			case <-a.ctx.Done():
			}
		}
	}
}

// nextBatch takes a snapshot of the unsynced queue to submit. A nil batch
// ends the loop.
func (a *Agent) nextBatch() ([]ops.Op, int, <-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usableLocked() != nil {
		a.sending = false
		return nil, 0, nil, nil
	}
	if len(a.unsynced) == 0 {
		a.sending = false
		return nil, 0, nil, a.drainUnplayedLocked()
	}
	a.inflight = true
	return slices.Clone(a.unsynced), a.head, a.delivered, nil
}

func (a *Agent) backoffLocked() time.Duration {
	if a.retry == 0 {
		a.retry = a.opt.RetryDelay
	} else {
		a.retry = min(2*a.retry, a.opt.MaxRetryDelay)
	}
	return a.retry
}

func (a *Agent) usableLocked() error {
	if a.err != nil {
		return a.err
	}
	if a.closed {
		return ErrAgentClosed
	}
	return nil
}

func (a *Agent) playLocked(batch []ops.Op) error {
	if len(batch) == 0 {
		return nil
	}
	if err := a.playback(batch); err != nil {
		return a.failLocked(fmt.Errorf("%w: %w", ErrPlaybackFailed, err))
	}
	return nil
}

func (a *Agent) drainUnplayedLocked() error {
	pending := a.unplayed
	a.unplayed = nil
	return a.playLocked(pending)
}

func (a *Agent) unsyncedChangedLocked(before bool) {
	now := len(a.unsynced) > 0
	if now != before && a.opt.OnUnsyncedChange != nil {
		a.opt.OnUnsyncedChange(now)
	}
}

// failLocked records err as fatal and stops all further work.
func (a *Agent) failLocked(err error) error {
	if a.err == nil {
		a.err = err
		a.task.Stop()
		a.cancel()
	}
	return a.err
}

// reportFatal passes a fatal error to OnError the first time it is seen.
func (a *Agent) reportFatal(err error) error {
	if errors.Is(err, ErrAgentClosed) {
		return err
	}
	a.mu.Lock()
	first := a.err != nil && !a.reported
	if first {
		a.reported = true
	}
	a.mu.Unlock()
	if first {
		a.log.Error("sync stopped", zap.Error(err))
		a.report(err)
	}
	return err
}

func (a *Agent) report(err error) {
	if a.opt.OnError != nil {
		a.opt.OnError(err)
	}
}
