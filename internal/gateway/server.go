// Package gateway is a development server that speaks the console backend's
// REST and WebSocket contract on top of a local store, so the client can be
// exercised end to end without the production backend.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/store"
)

// Server routes REST calls to the store and fans new messages out through
// the hub.
type Server struct {
	store  *store.Store
	hub    *Hub
	log    *zap.Logger
	token  string
	router *gin.Engine
}

// Opts holds parameters for creating a Server.
type Opts struct {
	Store  *store.Store
	Logger *zap.Logger
	// Token, when set, must be presented as "Authorization: Bearer <token>"
	// on every request except /ping.
	Token string
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store: opts.Store,
		hub:   NewHub(log),
		log:   log,
		token: opts.Token,
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLog())
	s.registerRoutes(s.router)
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the subscriber hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects every WebSocket subscriber.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("gateway request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// StartOpts holds configuration for the gateway HTTP server.
type StartOpts struct {
	Store  *store.Store
	Port   int
	Token  string
	Out    io.Writer
	Logger *zap.Logger
}

// Start launches the gateway. It blocks until ctx is cancelled, then shuts
// down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	s, err := New(Opts{Store: opts.Store, Logger: opts.Logger, Token: opts.Token})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
