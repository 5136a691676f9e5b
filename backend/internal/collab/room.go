package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/metrics"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/ops"
)

var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrNotMember       = errors.New("peer is not a member of the session")
	ErrAlreadyMember   = errors.New("peer already joined the session")
	ErrSessionClosed   = errors.New("session closed")
	ErrForbidden       = errors.New("forbidden")
	ErrRegistryClosed  = errors.New("registry closed")
)

const (
	presenceTimeout = 2 * time.Second
	// bound on waiting for a kicked guest to disconnect
	kickTimeout = 10 * time.Second
)

type SessionOptions struct {
	Logger      *zap.Logger
	Events      EventSink
	Presence    cache.PresenceCache
	PresenceTTL time.Duration
	Now         func() time.Time
}

type member struct {
	id        string
	user      *model.User
	refreshed time.Time
}

// CommitResult is the outcome of a commit attempt. A conflict is not an
// error: the submitter is expected to rebase and resubmit.
type CommitResult struct {
	Conflict bool
	Head     int
}

// Session serializes everything that happens to one live document. The log
// head is always len(doc.Operations).
type Session struct {
	id   string
	doc  *model.Document
	opts SessionOptions
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	members map[Peer]*member
	order   []Peer
	// memberIDs with a cursor placed
	cursors map[string]bool
	issued  map[string]struct{}
}

func NewSession(doc *model.Document, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = cache.DefaultPresenceTTL
	}
	s := &Session{
		id:      doc.ID,
		doc:     doc,
		opts:    opts,
		log:     opts.Logger.With(zap.String("document", doc.ID)),
		members: make(map[Peer]*member),
		cursors: make(map[string]bool),
		issued:  make(map[string]struct{}),
	}
	s.sanitize()
	return s
}

func (s *Session) sanitize() {
	var fix []ops.Op
	s.doc.View(func(d *model.Document) {
		fix = Sanitize(d.Operations, d.Date.UnixMilli())
		for _, op := range d.Operations {
			if op.Type() == ops.TypeAddMember {
				s.issued[op.Member()] = struct{}{}
			}
		}
	})
	if len(fix) == 0 {
		return
	}
	s.doc.Update(func(d *model.Document) {
		d.Operations = append(d.Operations, fix...)
	})
	s.log.Info("sanitized document", zap.Int("compensations", len(fix)))
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Document() *model.Document { return s.doc }

// Head is the current length of the log.
func (s *Session) Head() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Len()
}

// Members returns member ids in join order.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.members[p].id)
	}
	return out
}

func (s *Session) newMemberIDLocked(u *model.User) string {
	ts := s.opts.Now().UnixMilli()
	for {
		id := fmt.Sprintf("%s_%s_%d", u.Username, s.id, ts)
		if _, taken := s.issued[id]; !taken {
			s.issued[id] = struct{}{}
			return id
		}
		ts++
	}
}

// appendLocked writes batch to the log and returns the new head.
func (s *Session) appendLocked(batch []ops.Op, now time.Time, editor *model.User) int {
	var head int
	s.doc.Update(func(d *model.Document) {
		for _, op := range batch {
			md, ok := op.(ops.MetadataUpdated)
			if !ok {
				continue
			}
			if title, ok := md.Title(); ok {
				if title == "" {
					title = model.UntitledDocument
				}
				d.Name = title
			}
		}
		// guests carry no account id
		if editor != nil && editor.ID != 0 {
			d.AddEditor(editor.ID)
		}
		d.Append(batch, now)
		head = len(d.Operations)
	})
	metrics.OpsAppended.Add(float64(len(batch)))
	return head
}

func (s *Session) broadcastLocked(except Peer, msg Outbound) {
	for _, p := range s.order {
		if p != except {
			p.Send(msg)
		}
	}
}

func (s *Session) publish(m *member, base int, batch []ops.Op, at time.Time) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Publish(newCommitEvent(s.id, m.id, m.user.ID, base, batch, at))
}

// Join admits p, announcing it to the others with an AddMember op. The
// joiner gets join_success with its member id.
func (s *Session) Join(ctx context.Context, p Peer, reqID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if _, ok := s.members[p]; ok {
		s.mu.Unlock()
		return "", ErrAlreadyMember
	}
	u := p.User()
	if u.IsGuest() {
		public := false
		s.doc.View(func(d *model.Document) { public = d.IsPublic })
		if !public {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: guests may only join public documents", ErrForbidden)
		}
	}

	now := s.opts.Now()
	m := &member{id: s.newMemberIDLocked(u), user: u, refreshed: now}
	batch := []ops.Op{ops.NewMemberAdded(m.id, now.UnixMilli(), ops.Profile{
		FullName: u.Name,
		Color:    u.Color,
		ImageURL: u.AvatarURL,
	})}
	head := s.appendLocked(batch, now, nil)
	s.members[p] = m
	s.order = append(s.order, p)

	s.broadcastLocked(p, NewOps{Head: head, Ops: batch})
	p.Send(JoinSuccess{ReqID: reqID, MemberID: m.id})
	s.publish(m, head-len(batch), batch, now)
	s.mu.Unlock()

	metrics.MembersActive.Inc()
	s.log.Info("member joined", zap.String("member", m.id), zap.Uint64("user", u.ID))
	s.mirrorJoin(ctx, m)
	return m.id, nil
}

// Replay sends the whole log and its head to p.
func (s *Session) Replay(p Peer, reqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[p]; !ok {
		return ErrNotMember
	}
	var reply ReplayReply
	s.doc.View(func(d *model.Document) {
		reply = ReplayReply{ReqID: reqID, Head: len(d.Operations), Ops: d.Operations.Clone()}
	})
	p.Send(reply)
	return nil
}

// Commit appends batch iff head equals the current log head. Either every
// op is appended or none is.
func (s *Session) Commit(ctx context.Context, p Peer, reqID string, head int, batch []ops.Op) (CommitResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return CommitResult{}, ErrSessionClosed
	}
	m, ok := s.members[p]
	if !ok {
		s.mu.Unlock()
		return CommitResult{}, ErrNotMember
	}

	seq := s.doc.Len()
	if head != seq {
		p.Send(CommitReply{ReqID: reqID, Conflict: true})
		s.mu.Unlock()
		metrics.Commits.WithLabelValues(metrics.ResultConflict).Inc()
		s.log.Debug("commit conflict", zap.String("member", m.id), zap.Int("head", head), zap.Int("serverSeq", seq))
		return CommitResult{Conflict: true, Head: seq}, nil
	}
	if len(batch) == 0 {
		p.Send(CommitReply{ReqID: reqID, Head: &seq})
		s.mu.Unlock()
		return CommitResult{Head: seq}, nil
	}

	now := s.opts.Now()
	newHead := s.appendLocked(batch, now, m.user)
	for _, op := range batch {
		switch op.Type() {
		case ops.TypeAddCursor:
			s.cursors[op.Member()] = true
		case ops.TypeRemoveCursor:
			delete(s.cursors, op.Member())
		}
	}

	p.Send(CommitReply{ReqID: reqID, Head: &newHead})
	s.broadcastLocked(p, NewOps{Head: newHead, Ops: batch})
	s.publish(m, seq, batch, now)

	refresh := s.opts.Presence != nil && now.Sub(m.refreshed) > s.opts.PresenceTTL/2
	if refresh {
		m.refreshed = now
	}
	s.mu.Unlock()

	metrics.Commits.WithLabelValues(metrics.ResultAccepted).Inc()
	if refresh {
		s.mirrorJoin(ctx, m)
	}
	return CommitResult{Head: newHead}, nil
}

// Access replies with the document's visibility.
func (s *Session) Access(p Peer, reqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[p]; !ok {
		return ErrNotMember
	}
	public := false
	s.doc.View(func(d *model.Document) { public = d.IsPublic })
	p.Send(AccessReply{ReqID: reqID, Access: accessOf(public)})
	return nil
}

// SetAccess changes the document's visibility and tells everyone. Making a
// document non-public detaches every guest.
func (s *Session) SetAccess(ctx context.Context, p Peer, access string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	m, ok := s.members[p]
	if !ok {
		s.mu.Unlock()
		return ErrNotMember
	}
	if m.user.IsGuest() {
		s.mu.Unlock()
		return fmt.Errorf("%w: guests may not change access", ErrForbidden)
	}

	public := access == AccessPublic
	s.doc.Update(func(d *model.Document) { d.IsPublic = public })
	s.broadcastLocked(nil, AccessChanged{Access: accessOf(public)})

	var kicked []detached
	if !public {
		for _, q := range append([]Peer(nil), s.order...) {
			if s.members[q].user.IsGuest() {
				kicked = append(kicked, s.detachLocked(q))
			}
		}
	}
	s.mu.Unlock()

	s.log.Info("access changed", zap.String("member", m.id), zap.String("access", accessOf(public)), zap.Int("kicked", len(kicked)))
	if len(kicked) > 0 {
		// the requester's own connection must keep serving while guests go
		go func() {
			kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kickTimeout)
			defer cancel()
			_ = s.awaitKicked(kctx, kicked)
		}()
	}
	return nil
}

// Leave detaches p after a voluntary leave or a dropped connection. It is a
// no-op for a peer that is no longer a member.
func (s *Session) Leave(ctx context.Context, p Peer) {
	s.mu.Lock()
	if _, ok := s.members[p]; !ok {
		s.mu.Unlock()
		return
	}
	d := s.detachLocked(p)
	s.mu.Unlock()
	s.finishDetach(ctx, d)
}

type detached struct {
	peer   Peer
	member *member
}

// detachLocked appends the removal commit for p and drops it from the
// member table.
func (s *Session) detachLocked(p Peer) detached {
	m := s.members[p]
	delete(s.members, p)
	for i, q := range s.order {
		if q == p {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	now := s.opts.Now()
	at := now.UnixMilli()
	var batch []ops.Op
	if s.cursors[m.id] {
		batch = append(batch, ops.NewCursorRemoved(m.id, at))
		delete(s.cursors, m.id)
	}
	batch = append(batch, ops.NewMemberRemoved(m.id, at))
	head := s.appendLocked(batch, now, nil)
	s.broadcastLocked(p, NewOps{Head: head, Ops: batch})
	s.publish(m, head-len(batch), batch, now)
	return detached{peer: p, member: m}
}

func (s *Session) finishDetach(ctx context.Context, d detached) {
	metrics.MembersActive.Dec()
	s.log.Info("member left", zap.String("member", d.member.id))
	s.mirrorLeave(ctx, d.member)
}

// awaitKicked kicks every detached peer and waits for each disconnect, or
// for ctx to end.
func (s *Session) awaitKicked(ctx context.Context, ds []detached) error {
	var g errgroup.Group
	for _, d := range ds {
		g.Go(func() error {
			d.peer.Kick()
			var err error
			select {
			case <-d.peer.Done():
			case <-ctx.Done():
				err = ctx.Err()
				s.log.Warn("kicked member did not disconnect", zap.String("member", d.member.id), zap.Error(err))
			}
			s.finishDetach(ctx, d)
			return err
		})
	}
	return g.Wait()
}

// Destroy closes the session and force-detaches every member. It returns
// once every kicked peer has disconnected or ctx ends.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var ds []detached
	for _, p := range append([]Peer(nil), s.order...) {
		ds = append(ds, s.detachLocked(p))
	}
	s.members = make(map[Peer]*member)
	s.order = nil
	s.mu.Unlock()

	if len(ds) > 0 {
		s.log.Info("destroying session", zap.Int("members", len(ds)))
	}
	return s.awaitKicked(ctx, ds)
}

func (s *Session) mirrorJoin(ctx context.Context, m *member) {
	if s.opts.Presence == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	name := m.user.Name
	if name == "" {
		name = m.user.Username
	}
	if err := s.opts.Presence.AddMember(pctx, s.id, m.id, name, s.opts.PresenceTTL); err != nil {
		s.log.Warn("presence add failed", zap.String("member", m.id), zap.Error(err))
	}
}

func (s *Session) mirrorLeave(ctx context.Context, m *member) {
	if s.opts.Presence == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := s.opts.Presence.RemoveMember(pctx, s.id, m.id); err != nil {
		s.log.Warn("presence remove failed", zap.String("member", m.id), zap.Error(err))
	}
}
