package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/broker/paper"
	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/risk"
	"github.com/camuig/rl-trader/internal/storage"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(n notify.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) count(c notify.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.got {
		if x.Category == c {
			n++
		}
	}
	return n
}

type tracker struct {
	opens  int
	closes []float64
}

func (t *tracker) RecordOpen()                { t.opens++ }
func (t *tracker) RecordClose(_ time.Time, profit float64) { t.closes = append(t.closes, profit) }

type flakyLedger struct {
	*storage.Ledger
	mu        sync.Mutex
	failSaves int
}

func (f *flakyLedger) SaveTrade(ctx context.Context, trade *storage.Trade) error {
	f.mu.Lock()
	if f.failSaves > 0 {
		f.failSaves--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Ledger.SaveTrade(ctx, trade)
}

type fixture struct {
	engine  *paper.Engine
	ledger  *flakyLedger
	notes   *recorder
	tracker *tracker
	exec    *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := paper.NewEngine(paper.Config{InitialBalance: 10000, ValuePerPoint: 1, MarginRate: 0.1, Spread: 0.2})
	require.NoError(t, engine.Connect(context.Background()))
	engine.PushBar("SBER", broker.Bar{Time: t0, Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 1000})

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	f := &fixture{
		engine:  engine,
		ledger:  &flakyLedger{Ledger: storage.NewLedger(db)},
		notes:   &recorder{},
		tracker: &tracker{},
	}
	f.exec = f.newExecutor()
	return f
}

func (f *fixture) newExecutor() *Executor {
	return NewExecutor(f.engine, f.ledger, f.notes, f.tracker, Options{
		ValuePerPoint:     1,
		VolumeStep:        1,
		MinVolume:         1,
		MarginRetryFactor: 0.5,
		WriteRetries:      2,
		WriteBackoff:      time.Millisecond,
	}, logger.Discard())
}

func longOrder(volume float64) *risk.Order {
	return &risk.Order{Direction: broker.Long, Volume: volume, EntryPrice: 100.1, StopLoss: 95, TakeProfit: 110}
}

func TestExecuteOpensTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trade, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(4))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOpen, trade.Status)
	assert.Equal(t, 4.0, trade.Volume)
	assert.InDelta(t, 100.1, trade.OpenPrice, 1e-9)
	assert.Equal(t, 95.0, trade.StopLoss)
	require.NotNil(t, trade.TakeProfit)
	assert.Equal(t, 110.0, *trade.TakeProfit)
	assert.NotEmpty(t, trade.BrokerTicket)

	stored, err := f.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", stored.DecisionID)

	assert.Equal(t, 1, f.tracker.opens)
	assert.Equal(t, 1, f.notes.count(notify.TradeOpened))
	assert.Equal(t, 1, f.engine.Submitted())
}

func TestExecuteAtMostOncePerDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(1))
	require.NoError(t, err)
	_, err = f.exec.Execute(ctx, "d1", "SBER", longOrder(1))
	assert.ErrorIs(t, err, ErrDuplicateDecision)

	// a restarted executor finds the decision in the ledger
	restarted := f.newExecutor()
	_, err = restarted.Execute(ctx, "d1", "SBER", longOrder(1))
	assert.ErrorIs(t, err, ErrDuplicateDecision)

	assert.Equal(t, 1, f.engine.Submitted())
}

func TestConcurrentDuplicateSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(ctx, "same", "SBER", longOrder(1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrDuplicateDecision) {
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dup)
	assert.Equal(t, 1, f.engine.Submitted())
}

func TestPartialFillRecordsFilledVolume(t *testing.T) {
	f := newFixture(t)
	f.engine.SetFillRatio(0.5)

	trade, err := f.exec.Execute(context.Background(), "d1", "SBER", longOrder(4))
	require.NoError(t, err)
	assert.Equal(t, 2.0, trade.Volume)
	assert.Equal(t, 4.0, trade.Requested)
}

func TestMarginRejectionRetriedOnceReduced(t *testing.T) {
	f := newFixture(t)
	f.engine.RejectNext(broker.MarginRejected("not enough"))

	trade, err := f.exec.Execute(context.Background(), "d1", "SBER", longOrder(5))
	require.NoError(t, err)
	assert.Equal(t, 2.0, trade.Volume)
	assert.Equal(t, 2, f.engine.Submitted())
}

func TestMarginRejectionTwiceGivesUp(t *testing.T) {
	f := newFixture(t)
	f.engine.RejectNext(broker.MarginRejected("no"), broker.MarginRejected("still no"))

	_, err := f.exec.Execute(context.Background(), "d1", "SBER", longOrder(4))
	assert.True(t, broker.IsMarginRejection(err))
	assert.Equal(t, 2, f.engine.Submitted())
	assert.Equal(t, 0, f.tracker.opens)
}

func TestOtherRejectionNotRetried(t *testing.T) {
	f := newFixture(t)
	f.engine.RejectNext(broker.Rejected("instrument halted"))

	_, err := f.exec.Execute(context.Background(), "d1", "SBER", longOrder(4))
	assert.True(t, broker.IsRejection(err))
	assert.False(t, broker.IsMarginRejection(err))
	assert.Equal(t, 1, f.engine.Submitted())

	n, err := f.ledger.CountOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.exec.Execute(context.Background(), "d1", "SBER", longOrder(4))
	assert.ErrorIs(t, err, ErrDuplicateDecision)
}

func TestCloseBooksProfit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trade, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(4))
	require.NoError(t, err)
	f.engine.PushBar("SBER", broker.Bar{Time: t0.Add(time.Minute), Open: 100, High: 102.5, Low: 100, Close: 102, Volume: 10})

	closed, err := f.exec.Close(ctx, *trade, storage.ReasonPolicy)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusClosed, closed.Status)
	assert.InDelta(t, 101.9, *closed.ClosePrice, 1e-9)
	assert.InDelta(t, 7.2, *closed.Profit, 1e-9)
	assert.Equal(t, storage.ReasonPolicy, closed.CloseReason)

	stored, err := f.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusClosed, stored.Status)
	require.Len(t, f.tracker.closes, 1)
	assert.InDelta(t, 7.2, f.tracker.closes[0], 1e-9)
	assert.Equal(t, 1, f.notes.count(notify.TradeClosed))

	// closing again is a no-op
	again, err := f.exec.Close(ctx, *closed, storage.ReasonPolicy)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusClosed, again.Status)
	assert.Len(t, f.tracker.closes, 1)
}

func TestCloseAfterVenueStopLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trade, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(2))
	require.NoError(t, err)
	f.engine.PushBar("SBER", broker.Bar{Time: t0.Add(time.Minute), Open: 99, High: 99, Low: 94, Close: 96, Volume: 10})

	closed, err := f.exec.Close(ctx, *trade, storage.ReasonShutdown)
	require.NoError(t, err)
	assert.Equal(t, 95.0, *closed.ClosePrice)
	assert.InDelta(t, (95-100.1)*2, *closed.Profit, 1e-9)
	assert.True(t, t0.Add(time.Minute).Equal(*closed.CloseTime))
}

func TestCloseAllLeavesNoOpenTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.exec.Execute(ctx, id, "SBER", longOrder(1))
		require.NoError(t, err)
	}
	closed, err := f.exec.CloseAll(ctx, storage.ReasonShutdown)
	require.NoError(t, err)
	assert.Len(t, closed, 3)

	n, err := f.ledger.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	positions, err := f.engine.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept, err := f.exec.Execute(ctx, "a", "SBER", longOrder(1))
	require.NoError(t, err)
	gone, err := f.exec.Execute(ctx, "b", "SBER", longOrder(2))
	require.NoError(t, err)

	require.True(t, f.engine.ForceClose(gone.BrokerTicket, 99, t0.Add(time.Minute)))
	orphan, err := f.engine.SubmitOrder(ctx, broker.OrderRequest{ClientID: "manual", Symbol: "SBER", Direction: broker.Short, Volume: 1})
	require.NoError(t, err)

	report, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	assert.Equal(t, gone.ID, report.Closed[0].ID)
	assert.Equal(t, storage.ReasonVenue, report.Closed[0].CloseReason)
	assert.Equal(t, 99.0, *report.Closed[0].ClosePrice)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, orphan.Ticket, report.Orphans[0].Ticket)
	assert.Empty(t, report.Mismatched)
	assert.False(t, report.Clean())
	assert.Equal(t, 1, f.notes.count(notify.ReconcileMismatch))

	open, err := f.exec.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, kept.ID, open[0].ID)
}

func TestReconcileCleanLeavesNoAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.exec.Execute(ctx, "a", "SBER", longOrder(1))
	require.NoError(t, err)

	report, err := f.exec.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 0, f.notes.count(notify.ReconcileMismatch))
}

func TestPersistenceFailureQueuesAndFlushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.failSaves = 2

	trade, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(1))
	require.NoError(t, err)
	assert.Equal(t, 1, f.exec.Queue().Len())
	assert.Equal(t, 1, f.notes.count(notify.Error))

	_, err = f.ledger.GetTrade(ctx, trade.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// queued rows still count as open
	open, err := f.exec.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, trade.ID, open[0].ID)
	assert.True(t, f.exec.Queue().HasDecision("d1"))

	n, err := f.exec.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.exec.Queue().Len())

	stored, err := f.ledger.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOpen, stored.Status)
}

func TestFlushQueueStopsOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.failSaves = 2
	_, err := f.exec.Execute(ctx, "d1", "SBER", longOrder(1))
	require.NoError(t, err)

	f.ledger.failSaves = 1
	n, err := f.exec.FlushQueue(ctx)
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.exec.Queue().Len())
}

func TestExecuteRejectsInvalidOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.exec.Execute(context.Background(), "d1", "SBER", nil)
	assert.Error(t, err)
	_, err = f.exec.Execute(context.Background(), "d2", "SBER", &risk.Order{Direction: broker.Long})
	assert.Error(t, err)
	assert.Equal(t, 0, f.engine.Submitted())
}
