package collab

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/ops"
)

type fakePeer struct {
	user *model.User

	mu    sync.Mutex
	msgs  []Outbound
	kicks int

	// hangs up as soon as it is kicked unless stubborn
	stubborn  bool
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(username string, id uint64) *fakePeer {
	return &fakePeer{
		user: &model.User{ID: id, Username: username, Name: username, Color: "#112233", Identity: "local"},
		done: make(chan struct{}),
	}
}

func newGuest(username string) *fakePeer {
	p := newPeer("guest."+username, 0)
	p.user.Identity = model.GuestIdentity
	return p
}

func (p *fakePeer) User() *model.User { return p.user }

func (p *fakePeer) Send(msg Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *fakePeer) Kick() {
	p.mu.Lock()
	p.kicks++
	p.mu.Unlock()
	if !p.stubborn {
		p.hangup()
	}
}

func (p *fakePeer) hangup() { p.closeOnce.Do(func() { close(p.done) }) }

func (p *fakePeer) Done() <-chan struct{} { return p.done }

func (p *fakePeer) messages() []Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outbound(nil), p.msgs...)
}

func (p *fakePeer) kicked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicks
}

func (p *fakePeer) last() Outbound {
	m := p.messages()
	if len(m) == 0 {
		return nil
	}
	return m[len(m)-1]
}

func (p *fakePeer) ofType(name string) []Outbound {
	var out []Outbound
	for _, m := range p.messages() {
		if m.EventName() == name {
			out = append(out, m)
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	events []CommitEvent
}

func (s *fakeSink) Publish(evt CommitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *fakeSink) all() []CommitEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommitEvent(nil), s.events...)
}

type fakePresence struct {
	mu      sync.Mutex
	members map[string]string
}

func newFakePresence() *fakePresence { return &fakePresence{members: map[string]string{}} }

func (f *fakePresence) AddMember(_ context.Context, docID, memberID, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[docID+"/"+memberID] = name
	return nil
}

func (f *fakePresence) RemoveMember(_ context.Context, docID, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, docID+"/"+memberID)
	return nil
}

func (f *fakePresence) AliveMembers(_ context.Context, docID string) ([]cache.PresenceMember, error) {
	return nil, nil
}

func (f *fakePresence) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

// fixedClock returns the same instant until advanced.
type fixedClock struct{ ms atomic.Int64 }

func newClock(t time.Time) *fixedClock {
	c := &fixedClock{}
	c.ms.Store(t.UnixMilli())
	return c
}

func (c *fixedClock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }

func (c *fixedClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func opaque(member string, n int) ops.Op {
	op, err := ops.Decode([]byte(`{"optype":"InsertText","memberid":"` + member + `","timestamp":1,"position":` + strconv.Itoa(n) + `,"text":"x"}`))
	if err != nil {
		panic(err)
	}
	return op
}
