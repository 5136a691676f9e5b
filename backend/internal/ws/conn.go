package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/model"
)

const (
	sendBuffer     = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Conn is one websocket client. It implements collab.Peer: the session
// enqueues onto send and writeLoop is the only writer of the socket.
type Conn struct {
	ws       *websocket.Conn
	user     *model.User
	registry *collab.Registry
	log      *zap.Logger

	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	// owned by readLoop
	session  *collab.Session
	memberID string
}

func NewConn(ws *websocket.Conn, user *model.User, registry *collab.Registry, log *zap.Logger) *Conn {
	return &Conn{
		ws:       ws,
		user:     user,
		registry: registry,
		log:      log.With(zap.String("username", user.Username)),
		send:     make(chan ServerMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) User() *model.User { return c.user }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Send(msg collab.Outbound) { c.enqueue(fromOutbound(msg)) }

func (c *Conn) Kick() { c.enqueue(fromOutbound(collab.Kick{})) }

// enqueue never blocks. A client too slow to drain its buffer is
// disconnected; dropping a message would desynchronize it.
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send buffer full, disconnecting", zap.String("type", msg.Type))
		c.hangup()
	}
}

func (c *Conn) reply(reqID, typ string, data any) {
	c.enqueue(ServerMessage{Type: typ, ReqID: reqID, Data: data})
}

func (c *Conn) fail(reqID, code string, err error) {
	c.enqueue(ServerMessage{Type: TypeError, ReqID: reqID, Data: ErrorPayload{Code: code, Message: err.Error()}})
}

// hangup closes the socket, which ends readLoop.
func (c *Conn) hangup() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.session != nil {
			c.session.Leave(context.WithoutCancel(ctx), c)
			c.session = nil
		}
		close(c.done)
		c.hangup()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// the member stays joined
			c.fail(msg.ReqID, CodeBadRequest, fmt.Errorf("malformed message: %w", err))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeJoin:
		c.handleJoin(ctx, msg)
	case TypeReplay:
		if s := c.joined(msg.ReqID); s != nil {
			if err := s.Replay(c, msg.ReqID); err != nil {
				c.fail(msg.ReqID, codeOf(err), err)
			}
		}
	case TypeCommit:
		c.handleCommit(ctx, msg)
	case TypeAccessGet:
		if s := c.joined(msg.ReqID); s != nil {
			if err := s.Access(c, msg.ReqID); err != nil {
				c.fail(msg.ReqID, codeOf(err), err)
			}
		}
	case TypeAccessChange:
		c.handleAccessChange(ctx, msg)
	case TypeLeave:
		if c.session != nil {
			c.session.Leave(ctx, c)
			c.session = nil
			c.memberID = ""
		}
		c.Send(collab.LeaveReply{ReqID: msg.ReqID})
	default:
		c.reply(msg.ReqID, TypeIgnored, ErrorPayload{Code: CodeBadRequest, Message: "unknown message type " + msg.Type})
	}
}

func (c *Conn) joined(reqID string) *collab.Session {
	if c.session == nil {
		c.fail(reqID, CodeNotJoined, collab.ErrNotMember)
	}
	return c.session
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if c.session != nil {
		c.fail(msg.ReqID, CodeAlreadyJoined, collab.ErrAlreadyMember)
		return
	}
	var req JoinRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.DocumentID == "" {
		c.fail(msg.ReqID, CodeBadRequest, errors.New("documentId required"))
		return
	}
	s, memberID, err := c.registry.Resolve(ctx, req.DocumentID, c, msg.ReqID)
	if err != nil {
		c.log.Info("join rejected", zap.String("document", req.DocumentID), zap.Error(err))
		c.fail(msg.ReqID, codeOf(err), err)
		return
	}
	c.session, c.memberID = s, memberID
}

func (c *Conn) handleCommit(ctx context.Context, msg ClientMessage) {
	s := c.joined(msg.ReqID)
	if s == nil {
		return
	}
	var req CommitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.fail(msg.ReqID, CodeBadRequest, err)
		return
	}
	if _, err := s.Commit(ctx, c, msg.ReqID, req.Head, req.Ops); err != nil {
		c.fail(msg.ReqID, codeOf(err), err)
	}
}

func (c *Conn) handleAccessChange(ctx context.Context, msg ClientMessage) {
	s := c.joined(msg.ReqID)
	if s == nil {
		return
	}
	var req AccessRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.fail(msg.ReqID, CodeBadRequest, err)
		return
	}
	if err := s.SetAccess(ctx, c, req.Access); err != nil {
		c.fail(msg.ReqID, codeOf(err), err)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.hangup()
				return
			}
			if msg.final {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "kicked"),
					time.Now().Add(writeWait))
				c.hangup()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.hangup()
				return
			}
		case <-c.done:
			return
		}
	}
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, collab.ErrUnknownDocument):
		return CodeUnknownDocument
	case errors.Is(err, collab.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, collab.ErrNotMember):
		return CodeNotJoined
	case errors.Is(err, collab.ErrAlreadyMember):
		return CodeAlreadyJoined
	case errors.Is(err, collab.ErrSessionClosed), errors.Is(err, collab.ErrRegistryClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
