package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/ops"
	"github.com/webodf/Kotype/backend/internal/ws"
)

const clientWriteWait = 10 * time.Second

var ErrConnClosed = errors.New("connection closed")

// ServerError is an error frame answering one of our requests.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

// Hooks receive what the server pushes without being asked. They run on
// the read goroutine, one at a time, in arrival order.
type Hooks struct {
	// OnOps gets the replay and every new_ops after it.
	OnOps           func(head int, batch ops.Log)
	OnAccessChanged func(access string)
	OnKick          func()
	// OnError gets error frames nobody waits for and the read failure that
	// ends the connection.
	OnError func(error)
}

type frame struct {
	Type  string          `json:"type"`
	ReqID string          `json:"reqId"`
	Data  json.RawMessage `json:"data"`
}

// WSClient speaks the collab websocket protocol. It implements Transport.
type WSClient struct {
	conn    *websocket.Conn
	hooks   Hooks
	log     *zap.Logger
	welcome ws.WelcomePayload

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan frame
	replayed bool
	// request id of the access_change waiting for its broadcast
	accessReq string
	accessMu  sync.Mutex

	closing atomic.Bool
	done    chan struct{}
	readErr error
}

// Dial connects to url, a ws:// or wss:// address of the collab endpoint,
// authenticating with token.
func Dial(ctx context.Context, url, token string, hooks Hooks, log *zap.Logger) (*WSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	c := &WSClient{
		conn:    conn,
		hooks:   hooks,
		log:     log,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if hello.Type != ws.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", hello.Type)
	}
	_ = json.Unmarshal(hello.Data, &c.welcome)
	_ = conn.SetReadDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

func (c *WSClient) Welcome() ws.WelcomePayload { return c.welcome }

// Done is closed when the connection is gone.
func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) Join(ctx context.Context, documentID string) (string, error) {
	f, err := c.request(ctx, ws.TypeJoin, ws.JoinRequest{DocumentID: documentID})
	if err != nil {
		return "", err
	}
	var js collab.JoinSuccess
	if err := json.Unmarshal(f.Data, &js); err != nil {
		return "", fmt.Errorf("decode join_success: %w", err)
	}
	return js.MemberID, nil
}

// Replay asks for the whole log. It reaches OnOps before Replay returns;
// new_ops are delivered from then on.
func (c *WSClient) Replay(ctx context.Context) (int, error) {
	f, err := c.request(ctx, ws.TypeReplay, nil)
	if err != nil {
		return 0, err
	}
	var r collab.ReplayReply
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return 0, fmt.Errorf("decode replay: %w", err)
	}
	return r.Head, nil
}

func (c *WSClient) Commit(ctx context.Context, head int, batch []ops.Op) (CommitReply, error) {
	f, err := c.request(ctx, ws.TypeCommit, ws.CommitRequest{Head: head, Ops: ops.Log(batch)})
	if err != nil {
		return CommitReply{}, err
	}
	var r collab.CommitReply
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return CommitReply{}, fmt.Errorf("decode commit reply: %w", err)
	}
	out := CommitReply{Conflict: r.Conflict}
	if r.Head != nil {
		out.Head = *r.Head
	}
	return out, nil
}

func (c *WSClient) Access(ctx context.Context) (string, error) {
	f, err := c.request(ctx, ws.TypeAccessGet, nil)
	if err != nil {
		return "", err
	}
	var r collab.AccessReply
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return "", fmt.Errorf("decode access: %w", err)
	}
	return r.Access, nil
}

// SetAccess returns once the change is broadcast back to us.
func (c *WSClient) SetAccess(ctx context.Context, access string) error {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	_, err := c.roundTrip(ctx, ws.TypeAccessChange, ws.AccessRequest{Access: access}, func(id string) {
		c.accessReq = id
	})
	c.mu.Lock()
	c.accessReq = ""
	c.mu.Unlock()
	return err
}

func (c *WSClient) Leave(ctx context.Context) error {
	_, err := c.request(ctx, ws.TypeLeave, nil)
	return err
}

// Close sends a close frame and drops the connection.
func (c *WSClient) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(clientWriteWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *WSClient) request(ctx context.Context, typ string, data any) (frame, error) {
	return c.roundTrip(ctx, typ, data, nil)
}

// roundTrip sends one request and waits for the frame carrying its reqId.
// register runs under c.mu along with the pending entry.
func (c *WSClient) roundTrip(ctx context.Context, typ string, data any, register func(id string)) (frame, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return frame{}, c.closedErr()
	default:
	}
	c.pending[id] = ch
	if register != nil {
		register(id)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := struct {
		Type  string `json:"type"`
		ReqID string `json:"reqId"`
		Data  any    `json:"data,omitempty"`
	}{typ, id, data}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case f := <-ch:
		switch f.Type {
		case ws.TypeError, ws.TypeIgnored:
			var p ws.ErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			return frame{}, &ServerError{Code: p.Code, Message: p.Message}
		}
		return f, nil
	case <-c.done:
		return frame{}, c.closedErr()
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *WSClient) closedErr() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, c.readErr)
	}
	return ErrConnClosed
}

func (c *WSClient) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.readErr = err
		close(c.done)
		c.mu.Unlock()
		if c.hooks.OnError != nil && !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.hooks.OnError(err)
		}
	}()

	for {
		var f frame
		if err = c.conn.ReadJSON(&f); err != nil {
			return
		}
		c.handle(f)
	}
}

func (c *WSClient) handle(f frame) {
	switch f.Type {
	case collab.EventReplay:
		var r collab.ReplayReply
		if err := json.Unmarshal(f.Data, &r); err != nil {
			c.log.Warn("bad replay", zap.Error(err))
			break
		}
		c.mu.Lock()
		c.replayed = true
		c.mu.Unlock()
		c.deliver(r.Head, r.Ops)
	case collab.EventNewOps:
		c.mu.Lock()
		replayed := c.replayed
		c.mu.Unlock()
		if !replayed {
			// the replay will contain these
			return
		}
		var n collab.NewOps
		if err := json.Unmarshal(f.Data, &n); err != nil {
			c.log.Warn("bad new_ops", zap.Error(err))
			return
		}
		c.deliver(n.Head, n.Ops)
		return
	case collab.EventAccessChanged:
		var a collab.AccessChanged
		_ = json.Unmarshal(f.Data, &a)
		if c.hooks.OnAccessChanged != nil {
			c.hooks.OnAccessChanged(a.Access)
		}
		c.mu.Lock()
		f.ReqID = c.accessReq
		c.mu.Unlock()
	case collab.EventKick:
		c.mu.Lock()
		c.replayed = false
		c.mu.Unlock()
		if c.hooks.OnKick != nil {
			c.hooks.OnKick()
		}
		return
	}

	if f.ReqID == "" {
		if f.Type == ws.TypeError && c.hooks.OnError != nil {
			var p ws.ErrorPayload
			_ = json.Unmarshal(f.Data, &p)
			c.hooks.OnError(&ServerError{Code: p.Code, Message: p.Message})
		}
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ReqID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

func (c *WSClient) deliver(head int, batch ops.Log) {
	if c.hooks.OnOps != nil {
		c.hooks.OnOps(head, batch)
	}
}
