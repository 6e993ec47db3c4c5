package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/policy"
	"github.com/camuig/rl-trader/internal/risk"
	"github.com/camuig/rl-trader/internal/scheduler"
	"github.com/camuig/rl-trader/internal/storage"
)

type statusMock struct {
	mock.Mock
}

func (m *statusMock) Status() scheduler.Status {
	return m.Called().Get(0).(scheduler.Status)
}

func newTestServer(t *testing.T) (*Server, *storage.Ledger, *statusMock) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	ledger := storage.NewLedger(db)

	status := &statusMock{}
	status.On("Status").Return(scheduler.Status{
		State:  scheduler.Running,
		Symbol: "SBER",
		Cycles: 12,
		Risk:   risk.State{DayStartBalance: 10000, OpenTrades: 1},
		Policy: policy.Info{Strategy: "linear", Version: 3},
	})
	return NewServer(ledger, status, nil, 0, logger.Discard()), ledger, status
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func seedTrades(t *testing.T, l *storage.Ledger) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i, profit := range []float64{30, -10} {
		tr := &storage.Trade{
			ID:         string(rune('a' + i)),
			DecisionID: "d" + string(rune('a'+i)),
			Symbol:     "SBER",
			Direction:  "long",
			Requested:  1,
			StopLoss:   90,
			Status:     storage.StatusPending,
		}
		require.NoError(t, tr.Open(1, 100, now.Add(-10*time.Minute), "t", "o"))
		require.NoError(t, tr.Close(100+profit, now.Add(-time.Minute), profit, storage.ReasonPolicy))
		require.NoError(t, l.SaveTrade(ctx, tr))
	}
	open := &storage.Trade{ID: "c", DecisionID: "dc", Symbol: "SBER", Direction: "short", Requested: 2, StopLoss: 110, Status: storage.StatusPending}
	require.NoError(t, open.Open(2, 100, now, "t2", "o2"))
	require.NoError(t, l.SaveTrade(ctx, open))
}

func TestHealth(t *testing.T) {
	s, _, status := newTestServer(t)
	rec, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "running", body["state"])
	status.AssertExpectations(t)
}

func TestTradesEndpoints(t *testing.T) {
	s, l, _ := newTestServer(t)
	seedTrades(t, l)

	rec, body := get(t, s, "/api/trades?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trades"], 2)

	rec, body = get(t, s, "/api/trades/open")
	require.Equal(t, http.StatusOK, rec.Code)
	trades := body["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "c", trades[0].(map[string]any)["id"])
}

func TestTradesRejectsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, q := range []string{"abc", "0", "-3"} {
		rec, body := get(t, s, "/api/trades?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Contains(t, body["error"], "limit")
	}
}

func TestStats(t *testing.T) {
	s, l, _ := newTestServer(t)
	seedTrades(t, l)

	rec, body := get(t, s, "/api/stats?days=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 1, body["wins"])
	assert.EqualValues(t, 1, body["losses"])
	assert.InDelta(t, 20, body["profit_sum"], 1e-9)
	assert.InDelta(t, 0.5, body["win_rate"], 1e-9)
}

func TestSnapshots(t *testing.T) {
	s, l, _ := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.SaveSnapshot(ctx, &storage.AccountMetric{
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute),
			Balance:   10000 + float64(i),
			Equity:    10000 + float64(i),
		}))
	}
	rec, body := get(t, s, "/api/snapshots?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["snapshots"], 2)
}

func TestState(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := get(t, s, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])
	assert.EqualValues(t, 12, body["cycles"])
	assert.Equal(t, "linear", body["policy"].(map[string]any)["strategy"])
	assert.EqualValues(t, 1, body["risk"].(map[string]any)["open_trades"])
}

func TestNoWebsocketWithoutHub(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
