// Package api is the HTTP boundary of the chat backend: message send,
// history, contacts, chat partners, mark-seen, auth check and presence
// lookups. Every route except /health and /metrics requires the same
// credential as the WebSocket handshake.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the collaborators the API routes need. Uploader and Limiter may
// be nil.
type Deps struct {
	Gate     Authenticator
	Store    Store
	Router   MessageRouter
	Receipts Receipts
	Presence PresenceReader
	Limiter  Limiter
	Uploader ImageUploader
	Logger   *zap.Logger
}

// Transport is the WebSocket side mounted next to the REST routes.
type Transport interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
	HandleHealth(w http.ResponseWriter, r *http.Request)
}

// NewEngine builds the gin engine: CORS for clientURL, the WebSocket
// upgrade at /ws, /health, /metrics and the authenticated /api groups.
func NewEngine(clientURL string, deps Deps, transport Transport, metricsHandler http.Handler) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{clientURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if transport != nil {
		router.GET("/ws", gin.WrapF(transport.HandleUpgrade))
		router.GET("/health", gin.WrapF(transport.HandleHealth))
	}
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	Routes(router, deps)
	return router
}

// Routes mounts the authenticated API groups on router.
func Routes(router gin.IRouter, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := NewHandler(deps)
	authed := requireAuth(deps.Gate, deps.Logger)

	authRoute := router.Group("/api/auth", authed)
	{
		authRoute.GET("/check", h.CheckAuth)
	}

	messageRoute := router.Group("/api/messages", authed)
	{
		messageRoute.GET("/contacts", h.GetContacts)
		messageRoute.GET("/chats", h.GetChatPartners)
		messageRoute.GET("/:id", h.GetMessages)
		messageRoute.POST("/send/:id", h.SendMessage)
		messageRoute.PUT("/seen/:id", h.MarkSeen)
	}

	presenceRoute := router.Group("/api/presence", authed)
	{
		presenceRoute.GET("/:id", h.GetPresence)
	}
}
