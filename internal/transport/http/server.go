package http

import (
	"github.com/gin-gonic/gin"

	"echopal/internal/bootstrap"
	"echopal/internal/model"
	"echopal/internal/transport/http/handler"
	"echopal/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.MaxMultipartMemory = int64(app.Config.Storage.MaxUploadMB) << 20
	router.Use(middleware.RequestID(), gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, app.RAG, app.HealthChecks())
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.Auth)
	askHandler := handler.NewAskHandler(app.RAG, app.Config.LLM.Stream)
	chatHandler := handler.NewChatHandler(app.Chat)
	documentHandler := handler.NewDocumentHandler(app.Documents)

	authJWT := middleware.AuthJWT(app.Config.Auth.JWTSecret)
	limiter := middleware.NewRateLimiter(app.Config.RateLimit.AskPerMinute, app.Config.RateLimit.Burst)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", authJWT, authHandler.Me)

	askGroup := v1.Group("/ask")
	askGroup.Use(authJWT, middleware.RateLimit(limiter))
	askGroup.POST("", askHandler.Ask)
	askGroup.POST("/stream", askHandler.Stream)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(authJWT)
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.POST("/messages", middleware.RateLimit(limiter), chatHandler.SendMessage)
	chatGroup.POST("/messages/stream", middleware.RateLimit(limiter), chatHandler.StreamMessage)
	chatGroup.GET("/history", chatHandler.GetHistory)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(authJWT, middleware.RequireRole(model.RoleAdmin))
	adminGroup.POST("/documents", documentHandler.Upload)
	adminGroup.GET("/documents", documentHandler.List)
	adminGroup.DELETE("/documents/:name", documentHandler.Delete)
	adminGroup.POST("/documents/:name/reindex", documentHandler.Reindex)

	return router
}
