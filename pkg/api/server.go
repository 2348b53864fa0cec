// Package api exposes an HTTP operator surface for a running relay:
// diagnostics over live connections and the message store, and policy
// administration.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencourier/relay/pkg/relay"
)

// Server is the HTTP API server wrapped around a relay
type Server struct {
	relay      *relay.Server
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds API server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the API server around a relay
func NewServer(r *relay.Server, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if config.EnableCORS {
		router.Use(CORSMiddleware())
	}
	router.Use(LoggingMiddleware())
	router.Use(gin.Recovery())

	server := &Server{
		relay:  r,
		router: router,
		port:   config.Port,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		rl := v1.Group("/relay")
		{
			rl.GET("/connections", s.handleConnections)
			rl.GET("/stats", s.handleStats)
		}

		policies := v1.Group("/policies")
		{
			policies.GET("/:name", s.handleGetPolicy)
			policies.PUT("", s.handleSetPolicy)
			policies.DELETE("/:name", s.handleDeletePolicy)
		}

		users := v1.Group("/users")
		{
			users.GET("/:id/policy", s.handleGetUserPolicy)
			users.PUT("/:id/policy", s.handleSetUserPolicy)
		}
	}

	s.router.GET("/health", s.handleHealth)

	// Websocket transport shares the API listener
	s.router.GET("/ws", gin.WrapH(s.relay.WSHandler()))
}

// Start runs the HTTP server until ctx is done, then shuts down
// gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		fmt.Printf("🌐 HTTP API server starting on port %d...\n", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ Server error: %v\n", err)
		}
	}()

	<-ctx.Done()

	fmt.Println("\n🛑 Shutting down HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}
