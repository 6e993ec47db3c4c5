package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/rl-trader/internal/storage"
)

const maxLimit = 500

type statsResponse struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	storage.TradeStats
	WinRate float64 `json:"win_rate"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.status.Status().State})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50, maxLimit)
	if !ok {
		return
	}
	trades, err := s.ledger.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, "recent trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	trades, err := s.ledger.OpenTrades(c.Request.Context())
	if err != nil {
		s.fail(c, "open trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleStats(c *gin.Context) {
	days, ok := intQuery(c, "days", 1, 3650)
	if !ok {
		return
	}
	to := s.now()
	// whole UTC days, today included
	from := to.Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))

	stats, err := s.ledger.Stats(c.Request.Context(), from, to)
	if err != nil {
		s.fail(c, "trade stats", err)
		return
	}
	c.JSON(http.StatusOK, statsResponse{From: from, To: to, TradeStats: stats, WinRate: stats.WinRate()})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 60, maxLimit)
	if !ok {
		return
	}
	snaps, err := s.ledger.RecentSnapshots(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, "snapshots", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	s.logger.Error("api query failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " unavailable"})
}

// intQuery reads a positive integer parameter, capped at max. It writes
// the 400 itself and reports false on bad input.
func intQuery(c *gin.Context, name string, def, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	if v > max {
		v = max
	}
	return v, true
}
