package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"council/internal/config"
	"council/internal/handler"
	"council/internal/middleware"
)

type Server struct {
	router *gin.Engine
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	authHandler handler.AuthHandler,
	councilHandler handler.CouncilHandler,
	billingHandler handler.BillingHandler,
) *Server {
	router := gin.Default()

	s := &Server{
		router: router,
		cfg:    cfg,
		logger: logger,
	}

	s.setupRoutes(authHandler, councilHandler, billingHandler)

	return s
}

func (s *Server) setupRoutes(
	authHandler handler.AuthHandler,
	councilHandler handler.CouncilHandler,
	billingHandler handler.BillingHandler,
) {
	// Ping route for health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	// Authentication routes
	authGroup := s.router.Group("/api/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)

	// Authenticated routes
	authRequired := s.router.Group("/api")
	authRequired.Use(middleware.AuthMiddleware([]byte(s.cfg.Auth.JWTSecret), s.logger))
	{
		authRequired.GET("/auth/me", authHandler.Me)

		authRequired.GET("/models", councilHandler.ListModels)

		authRequired.POST("/conversations", councilHandler.CreateConversation)
		authRequired.GET("/conversations", councilHandler.ListConversations)
		authRequired.GET("/conversations/:id", councilHandler.GetConversation)
		authRequired.DELETE("/conversations/:id", councilHandler.DeleteConversation)
		authRequired.POST("/conversations/:id/message", councilHandler.SendMessage)
		authRequired.POST("/conversations/:id/message/stream", councilHandler.StreamMessage)

		authRequired.GET("/balance", billingHandler.GetBalance)
		authRequired.POST("/balance/deposit", billingHandler.Deposit)
		authRequired.GET("/balance/transactions", billingHandler.ListTransactions)
	}
}

func (s *Server) Run(addr string) {
	s.logger.Info("Server starting", zap.String("addr", addr))
	if err := s.router.Run(addr); err != nil {
		s.logger.Fatal("Server failed to start", zap.Error(err))
	}
}
