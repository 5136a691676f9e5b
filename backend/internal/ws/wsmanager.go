package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/collab"
	"github.com/webodf/Kotype/backend/internal/httpapi/middleware"
)

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// checkOrigin allows a missing or "null" origin and anything starting with
// one of the allowed prefixes.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

type Manager struct {
	hub      *Hub
	registry *collab.Registry
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewManager(hub *Hub, registry *collab.Registry, log *zap.Logger, allowedOrigins []string) *Manager {
	return &Manager{
		hub:      hub,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(allowedOrigins)},
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

// WebSocketConnect upgrades an authenticated request and serves the
// connection until it closes.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "no user on request"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}

	wsConn := NewConn(conn, user, m.registry, m.log)
	m.hub.Add(wsConn)
	defer m.hub.Remove(wsConn)

	// start the writer first so anything enqueued below goes out
	go wsConn.writeLoop()
	wsConn.reply("", TypeWelcome, WelcomePayload{UserID: user.ID, Name: user.Name, Color: user.Color})

	// blocks until the connection closes
	wsConn.readLoop(c.Request.Context())
}
