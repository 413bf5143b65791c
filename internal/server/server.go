package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skalene/antigravity-gateway/internal/account"
	"github.com/skalene/antigravity-gateway/internal/auth"
	"github.com/skalene/antigravity-gateway/internal/cloudcode"
	"github.com/skalene/antigravity-gateway/internal/config"
	"github.com/skalene/antigravity-gateway/internal/server/handlers"
	"github.com/skalene/antigravity-gateway/internal/utils"
)

// requestBodyLimit caps incoming request bodies.
const requestBodyLimit = 10 << 20

// Server is the HTTP gateway.
type Server struct {
	engine     *gin.Engine
	pool       *account.Pool
	broker     *auth.Broker
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config

	httpServer *http.Server
}

// New creates a Server over an initialized pool, broker, and dispatcher.
func New(cfg *config.Config, pool *account.Pool, broker *auth.Broker, dispatcher *cloudcode.Dispatcher) *Server {
	if cfg.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		pool:       pool,
		broker:     broker,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, requestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.pool)
	modelsHandler := handlers.NewModelsHandler(s.pool, s.broker)
	messagesHandler := handlers.NewMessagesHandler(s.dispatcher, s.cfg)
	chatHandler := handlers.NewChatHandler(s.dispatcher, s.cfg)

	s.engine.GET("/health", healthHandler.Health)

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
		v1.POST("/chat/completions", chatHandler.ChatCompletions)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	utils.Info("[Server] Listening on %s", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streamed generations run long
		IdleTimeout:  120 * time.Second,
	}

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
