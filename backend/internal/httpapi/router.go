package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"snippetCollab/backend/internal/collab"
	"snippetCollab/backend/internal/httpapi/middleware"
	"snippetCollab/backend/internal/metrics"
	"snippetCollab/backend/internal/ws"
)

// SaveHistory lists recent save announcements of a document.
type SaveHistory interface {
	Recent(ctx context.Context, documentID string, limit int) ([]collab.SaveRecord, error)
}

type Deps struct {
	Room    *collab.RoomServer
	Manager *ws.Manager
	Metrics *metrics.Collab
	Auth    middleware.AuthOptions
	// 可为空
	Saves SaveHistory
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	g := r.Group("/collab")
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": d.Room.Registry().Len()})
	})

	// 鉴权：从 Authorization 或 ?token= 提取 token，写入 userId/username
	authed := g.Group("")
	authed.Use(middleware.AuthMiddleware(d.Auth))
	authed.GET("/ws", d.Manager.WebSocketConnect)
	authed.GET("/documents/:documentId/editors", func(c *gin.Context) {
		docID := c.Param("documentId")
		c.JSON(http.StatusOK, gin.H{
			"documentId": docID,
			"users":      d.Room.Editors(c.Request.Context(), docID),
		})
	})
	authed.GET("/documents/:documentId/saves", func(c *gin.Context) {
		if d.Saves == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"code": "UNAVAILABLE", "message": "save log not configured"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		recs, err := d.Saves.Recent(c.Request.Context(), c.Param("documentId"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documentId": c.Param("documentId"), "saves": recs})
	})
	return r
}
