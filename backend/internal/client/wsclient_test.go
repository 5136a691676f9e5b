package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/cache"
	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/httpapi/middleware"
	"github.com/webodf/Kotype/backend/internal/identity"
	"github.com/webodf/Kotype/backend/internal/model"
	"github.com/webodf/Kotype/backend/internal/ops"
	"github.com/webodf/Kotype/backend/internal/store"
	"github.com/webodf/Kotype/backend/internal/ws"
)

type liveServer struct {
	url    string
	signer *identity.Signer
}

func startServer(t *testing.T, docs ...*model.Document) *liveServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	wb := cache.NewWriteBack(store.NewMemoryStore(docs...), zap.NewNop())
	reg := collab.NewRegistry(wb, collab.SessionOptions{})
	signer := identity.NewSigner("test")
	m := ws.NewManager(ws.NewHub(), reg, zap.NewNop(), nil)

	r := gin.New()
	r.GET("/collab/ws", middleware.Auth(signer, nil), m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &liveServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws", signer: signer}
}

// editor is a WSClient driving an Agent, the way a browser tab would.
type editor struct {
	client *WSClient
	agent  *Agent
	rec    *recorder
	kicked chan struct{}
	access chan string
}

func (s *liveServer) connect(t *testing.T, u *model.User) *editor {
	t.Helper()
	token, _, err := s.signer.Sign(u, time.Hour)
	require.NoError(t, err)

	e := &editor{rec: &recorder{}, kicked: make(chan struct{}, 1), access: make(chan string, 4)}
	var once sync.Once
	ready := make(chan struct{})
	hooks := Hooks{
		OnOps: func(head int, batch ops.Log) {
			once.Do(func() { <-ready })
			assert.NoError(t, e.agent.Receive(head, batch))
		},
		OnKick:          func() { e.kicked <- struct{}{} },
		OnAccessChanged: func(a string) { e.access <- a },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.client, err = Dial(ctx, s.url, token, hooks, zap.NewNop())
	require.NoError(t, err)
	e.agent = NewAgent(e.client, &recordingTransformer{}, e.rec.Play, Options{SubmitDelay: 10 * time.Millisecond})
	close(ready)
	t.Cleanup(func() {
		e.agent.Close()
		_ = e.client.Close()
	})
	return e
}

func (e *editor) join(t *testing.T, docID string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	memberID, err := e.client.Join(ctx, docID)
	require.NoError(t, err)
	_, err = e.client.Replay(ctx)
	require.NoError(t, err)
	return memberID
}

func (e *editor) textPlayed() []string {
	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	var out []string
	for _, op := range e.rec.played {
		if op.Type() == "InsertText" {
			out = append(out, op.Member())
		}
	}
	return out
}

func TestEditorsConverge(t *testing.T) {
	srv := startServer(t, &model.Document{ID: "D"})
	ann := srv.connect(t, &model.User{ID: 1, Username: "ann", Name: "Ann"})
	bob := srv.connect(t, &model.User{ID: 2, Username: "bob", Name: "Bob"})

	annID := ann.join(t, "D")
	bobID := bob.join(t, "D")
	assert.Equal(t, "Ann", ann.client.Welcome().Name)
	require.Eventually(t, func() bool { return ann.agent.Head() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, bob.agent.Head())

	require.NoError(t, ann.agent.Push([]ops.Op{textOp(t, annID, "a")}))
	require.Eventually(t, func() bool { return len(bob.textPlayed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{annID}, bob.textPlayed())

	// both edit at once; whoever loses the race resubmits
	require.NoError(t, ann.agent.Push([]ops.Op{textOp(t, annID, "b")}))
	require.NoError(t, bob.agent.Push([]ops.Op{textOp(t, bobID, "c")}))
	require.Eventually(t, func() bool {
		return !ann.agent.HasLocalUnsynced() && !bob.agent.HasLocalUnsynced() &&
			ann.agent.Head() == 5 && bob.agent.Head() == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, ann.textPlayed(), bob.textPlayed())
	assert.Len(t, ann.textPlayed(), 3)
}

func TestJoinUnknownDocument(t *testing.T) {
	srv := startServer(t)
	e := srv.connect(t, &model.User{ID: 1, Username: "ann"})
	_, err := e.client.Join(context.Background(), "missing")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ws.CodeUnknownDocument, se.Code)
}

func TestAccessAndKick(t *testing.T) {
	srv := startServer(t, &model.Document{ID: "D", IsPublic: true})
	owner := srv.connect(t, &model.User{ID: 1, Username: "ann"})
	guest := srv.connect(t, &model.User{Username: "guest.x", Identity: model.GuestIdentity})
	owner.join(t, "D")
	guest.join(t, "D")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	access, err := owner.client.Access(ctx)
	require.NoError(t, err)
	assert.Equal(t, collab.AccessPublic, access)

	var se *ServerError
	require.ErrorAs(t, guest.client.SetAccess(ctx, collab.AccessNormal), &se)
	assert.Equal(t, ws.CodeForbidden, se.Code)

	require.NoError(t, owner.client.SetAccess(ctx, collab.AccessNormal))
	assert.Equal(t, collab.AccessNormal, <-owner.access)
	assert.Equal(t, collab.AccessNormal, <-guest.access)

	select {
	case <-guest.kicked:
	case <-ctx.Done():
		t.Fatal("guest not kicked")
	}
	select {
	case <-guest.client.Done():
	case <-ctx.Done():
		t.Fatal("guest connection still open")
	}
	_, err = guest.client.Access(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)

	require.NoError(t, owner.client.Leave(ctx))
}
