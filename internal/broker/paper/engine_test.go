package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rl-trader/internal/broker"
)

var t0 = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Config{InitialBalance: 10000, ValuePerPoint: 1, MarginRate: 0.1, Spread: 0.2})
	require.NoError(t, e.Connect(context.Background()))
	e.PushBar("SBER", broker.Bar{Time: t0, Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 1000})
	return e
}

func open(t *testing.T, e *Engine, dir broker.Direction, vol, sl, tp float64) *broker.Fill {
	t.Helper()
	fill, err := e.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientID: "d", Symbol: "SBER", Direction: dir, Volume: vol, StopLoss: sl, TakeProfit: tp,
	})
	require.NoError(t, err)
	return fill
}

func TestFillAtQuoteSide(t *testing.T) {
	e := newEngine(t)

	long := open(t, e, broker.Long, 2, 95, 110)
	assert.InDelta(t, 100.1, long.Price, 1e-9)
	assert.Equal(t, 2.0, long.Volume)
	assert.False(t, long.Partial())

	short := open(t, e, broker.Short, 1, 105, 90)
	assert.InDelta(t, 99.9, short.Price, 1e-9)

	positions, err := e.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}

func TestAccountRevaluesOpenPositions(t *testing.T) {
	e := newEngine(t)
	open(t, e, broker.Long, 10, 0, 0)

	e.PushBar("SBER", broker.Bar{Time: t0.Add(time.Minute), Open: 100, High: 101.5, Low: 100, Close: 101, Volume: 10})
	acct, err := e.Account(context.Background())
	require.NoError(t, err)

	// long exits at bid 100.9 after entering at ask 100.1
	assert.InDelta(t, 10000, acct.Balance, 1e-9)
	assert.InDelta(t, 10008, acct.Equity, 1e-9)
	assert.InDelta(t, 100.1, acct.MarginUsed, 1e-9)
	assert.InDelta(t, 8, acct.Unrealized(), 1e-9)
}

func TestStopLossFiresFromBar(t *testing.T) {
	e := newEngine(t)
	fill := open(t, e, broker.Long, 1, 99, 0)

	e.PushBar("SBER", broker.Bar{Time: t0.Add(time.Minute), Open: 100, High: 100.2, Low: 98.5, Close: 98.8})

	positions, err := e.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.InDelta(t, 10000-1.1, e.Balance(), 1e-9)

	res, err := e.ClosePosition(context.Background(), broker.PositionRef{Ticket: fill.Ticket, Symbol: "SBER", Direction: broker.Long})
	require.NoError(t, err)
	assert.True(t, res.AlreadyClosed)
	assert.Equal(t, 99.0, res.Price)
}

func TestShortTakeProfit(t *testing.T) {
	e := newEngine(t)
	open(t, e, broker.Short, 1, 105, 95)

	e.PushBar("SBER", broker.Bar{Time: t0.Add(time.Minute), Open: 99, High: 99.5, Low: 94.5, Close: 95})
	assert.InDelta(t, 10000+4.9, e.Balance(), 1e-9)
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newEngine(t)
	fill := open(t, e, broker.Long, 1, 0, 0)
	ref := broker.PositionRef{Ticket: fill.Ticket, Symbol: "SBER", Direction: broker.Long, Volume: 1}

	first, err := e.ClosePosition(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, first.AlreadyClosed)
	assert.InDelta(t, 99.9, first.Price, 1e-9)

	second, err := e.ClosePosition(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, second.AlreadyClosed)
	assert.Equal(t, first.Price, second.Price)

	unknown, err := e.ClosePosition(context.Background(), broker.PositionRef{Ticket: "nope", Symbol: "SBER", Direction: broker.Long})
	require.NoError(t, err)
	assert.True(t, unknown.AlreadyClosed)
}

func TestMarginRejection(t *testing.T) {
	e := newEngine(t)
	_, err := e.SubmitOrder(context.Background(), broker.OrderRequest{Symbol: "SBER", Direction: broker.Long, Volume: 5000})
	assert.True(t, broker.IsMarginRejection(err))
}

func TestInjectedFailures(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.RejectNext(broker.Rejected("halted"))
	_, err := e.SubmitOrder(ctx, broker.OrderRequest{Symbol: "SBER", Direction: broker.Long, Volume: 1})
	assert.True(t, broker.IsRejection(err))
	assert.Equal(t, 1, e.Submitted())

	e.SetFillRatio(0.5)
	fill := open(t, e, broker.Long, 4, 0, 0)
	assert.Equal(t, 2.0, fill.Volume)
	assert.True(t, fill.Partial())

	e.SetMarketClosed(true)
	_, err = e.FetchObservationInputs(ctx, "SBER", 10)
	assert.ErrorIs(t, err, broker.ErrDataUnavailable)
	e.SetMarketClosed(false)

	e.SetOffline(true)
	_, err = e.Account(ctx)
	assert.ErrorIs(t, err, broker.ErrConnection)
	assert.ErrorIs(t, e.Connect(ctx), broker.ErrConnection)
}

func TestForceClose(t *testing.T) {
	e := newEngine(t)
	fill := open(t, e, broker.Long, 1, 0, 0)

	assert.True(t, e.ForceClose(fill.Ticket, 102, t0.Add(time.Hour)))
	assert.False(t, e.ForceClose(fill.Ticket, 102, t0.Add(time.Hour)))
	assert.InDelta(t, 10001.9, e.Balance(), 1e-9)
}

func TestFeedAdvancesMarket(t *testing.T) {
	e := NewEngine(Config{InitialBalance: 1000, Spread: 0.02}).WithFeed(NewRandomWalk(7, 100, 0.01, time.Minute))
	require.NoError(t, e.Connect(context.Background()))
	e.Warmup("SBER", 30)

	in, err := e.FetchObservationInputs(context.Background(), "SBER", 25)
	require.NoError(t, err)
	assert.Len(t, in.Bars, 25)
	assert.InDelta(t, 0.02, in.Quote.Ask-in.Quote.Bid, 1e-9)

	for i := 1; i < len(in.Bars); i++ {
		assert.Equal(t, in.Bars[i-1].Close, in.Bars[i].Open)
		assert.True(t, in.Bars[i].Time.After(in.Bars[i-1].Time))
		assert.GreaterOrEqual(t, in.Bars[i].High, in.Bars[i].Low)
	}
}

func TestRequiresConnect(t *testing.T) {
	e := NewEngine(Config{InitialBalance: 1})
	_, err := e.Account(context.Background())
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}
