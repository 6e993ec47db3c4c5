package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/scheduler"
	"github.com/camuig/rl-trader/internal/storage"
)

// Ledger is the read side of storage.Ledger the API serves.
type Ledger interface {
	RecentTrades(ctx context.Context, limit int) ([]storage.Trade, error)
	OpenTrades(ctx context.Context) ([]storage.Trade, error)
	Stats(ctx context.Context, from, to time.Time) (storage.TradeStats, error)
	RecentSnapshots(ctx context.Context, limit int) ([]storage.AccountMetric, error)
}

type StatusSource interface {
	Status() scheduler.Status
}

type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	ledger     Ledger
	status     StatusSource
	hub        *notify.Hub
	logger     *logger.Logger
	now        func() time.Time
}

// NewServer builds the JSON reporting API. hub may be nil, in which case
// /ws is not mounted.
func NewServer(ledger Ledger, status StatusSource, hub *notify.Hub, port int, log *logger.Logger) *Server {
	s := &Server{
		ledger: ledger,
		status: status,
		hub:    hub,
		logger: log.With("component", "web"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	api.GET("/trades", s.handleTrades)
	api.GET("/trades/open", s.handleOpenTrades)
	api.GET("/stats", s.handleStats)
	api.GET("/snapshots", s.handleSnapshots)
	api.GET("/state", s.handleState)
	if hub != nil {
		router.GET("/ws", hub.Handler)
	}
	s.router = router

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String())
	}
}
