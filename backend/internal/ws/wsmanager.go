package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"snippetCollab/backend/internal/collab"
	"snippetCollab/backend/internal/metrics"
)

// 允许本地开发环境的来源
var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func checkOrigin(extra []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range append(allowedOriginPrefixes, extra...) {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

type Manager struct {
	room     *collab.RoomServer
	metrics  *metrics.Collab
	upgrader websocket.Upgrader
}

// NewManager accepts extra allowed origin prefixes on top of localhost.
func NewManager(room *collab.RoomServer, m *metrics.Collab, origins ...string) *Manager {
	return &Manager{
		room:     room,
		metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(origins)},
	}
}

// WebSocketConnect upgrades the request and serves the connection until it
// closes. The authenticated user, if any, comes from the "userId" key.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.room, userID, m.metrics)
	// 阻塞至连接关闭
	wsConn.Serve(c.Request.Context())
}
