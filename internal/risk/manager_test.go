package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/config"
)

var day1 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func baseConfig() Config {
	return Config{
		MaxRiskPerTrade:  0.02,
		MaxDailyLoss:     0.05,
		MaxPositions:     3,
		StopLossDistance: 50,
		ValuePerPoint:    1,
		VolumeStep:       1,
		MinVolume:        1,
		MarginRate:       0.1,
	}
}

func flatAccount(balance float64) broker.AccountSnapshot {
	return broker.AccountSnapshot{Balance: balance, Equity: balance, FreeMargin: balance}
}

func TestScenarioARiskCappedAtTwoPercent(t *testing.T) {
	m := NewManager(baseConfig())
	v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))

	require.True(t, v.Approved())
	assert.Equal(t, 4.0, v.Order.Volume)
	assert.InDelta(t, 200, v.Order.RiskAmount, 1e-9)
	assert.Equal(t, 950.0, v.Order.StopLoss)
	assert.Equal(t, 1100.0, v.Order.TakeProfit)
	assert.Equal(t, broker.Long, v.Order.Direction)
}

func TestRiskAmountNeverExceedsBudget(t *testing.T) {
	cases := []struct {
		equity, stop, step, vpp float64
	}{
		{10000, 50, 1, 1},
		{10000, 33, 1, 1},
		{12345.67, 7.3, 0.01, 1},
		{999.99, 0.37, 0.1, 10},
		{50000, 123.456, 1, 0.5},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.StopLossDistance = tc.stop
		cfg.VolumeStep = tc.step
		cfg.MinVolume = tc.step
		cfg.ValuePerPoint = tc.vpp
		cfg.MarginRate = 0
		m := NewManager(cfg)

		v := m.Evaluate(day1, Proposal{Direction: broker.Short, Price: 100}, flatAccount(tc.equity))
		require.True(t, v.Approved(), "equity=%v stop=%v", tc.equity, tc.stop)
		assert.LessOrEqual(t, v.Order.RiskAmount, cfg.MaxRiskPerTrade*tc.equity+1e-9)
		assert.Greater(t, v.Order.StopLoss, v.Order.EntryPrice)
		assert.Less(t, v.Order.TakeProfit, v.Order.EntryPrice)
	}
}

func TestScenarioBDailyLossHaltsAndFlattens(t *testing.T) {
	m := NewManager(baseConfig())
	acct := flatAccount(10000)

	v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, acct)
	require.True(t, v.Approved())
	m.RecordOpen()

	// loss reaches exactly 5% through an open position
	acct.Equity = 9500
	v = m.Evaluate(day1.Add(time.Minute), Proposal{Direction: broker.Long, Price: 1000}, acct)
	assert.False(t, v.Approved())
	assert.True(t, v.Flatten)
	assert.True(t, v.LimitHit)
	assert.Equal(t, ReasonDailyLoss, v.Reason)

	m.RecordClose(day1.Add(90*time.Second), -500)
	acct = flatAccount(9500)
	v = m.Evaluate(day1.Add(2*time.Minute), Proposal{Direction: broker.Short, Price: 1000}, acct)
	assert.False(t, v.Approved())
	assert.False(t, v.Flatten)
	assert.False(t, v.LimitHit)
	assert.Equal(t, ReasonDailyLoss, v.Reason)
	assert.True(t, m.State().Halted)
}

func TestHaltLatchesUntilNextUTCDay(t *testing.T) {
	m := NewManager(baseConfig())
	m.Evaluate(day1, Proposal{}, flatAccount(10000))
	m.RecordOpen()
	m.RecordClose(day1.Add(time.Minute), -600)

	v := m.Evaluate(day1.Add(time.Hour), Proposal{Direction: broker.Long, Price: 1000}, flatAccount(9400))
	require.Equal(t, ReasonDailyLoss, v.Reason)

	// a profitable close later the same day does not lift the halt
	m.RecordOpen()
	m.RecordClose(day1.Add(90*time.Minute), 400)
	v = m.Evaluate(day1.Add(2*time.Hour), Proposal{Direction: broker.Long, Price: 1000}, flatAccount(9800))
	assert.Equal(t, ReasonDailyLoss, v.Reason)

	// 23:59:59 is still the same day
	eod := time.Date(2024, 3, 4, 23, 59, 59, 0, time.UTC)
	v = m.Evaluate(eod, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(9800))
	assert.Equal(t, ReasonDailyLoss, v.Reason)

	midnight := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	v = m.Evaluate(midnight, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(9800))
	require.True(t, v.Approved())

	s := m.State()
	assert.False(t, s.Halted)
	assert.Equal(t, 9800.0, s.DayStartBalance)
	assert.Equal(t, 0.0, s.RealizedToday)
	assert.Equal(t, 0.0, s.DailyLoss)
	assert.True(t, midnight.Equal(s.Day))
}

func TestDayBoundaryUsesUTC(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)
	m := NewManager(baseConfig())

	// 01:30 MSK on the 5th is still the 4th in UTC
	m.Evaluate(time.Date(2024, 3, 5, 1, 30, 0, 0, msk), Proposal{}, flatAccount(10000))
	assert.Equal(t, 4, m.State().Day.Day())

	m.RecordClose(time.Date(2024, 3, 5, 2, 0, 0, 0, msk), -100)
	m.Evaluate(time.Date(2024, 3, 5, 2, 59, 0, 0, msk), Proposal{}, flatAccount(9900))
	assert.Equal(t, -100.0, m.State().RealizedToday)

	m.Evaluate(time.Date(2024, 3, 5, 3, 0, 0, 0, msk), Proposal{}, flatAccount(9900))
	assert.Equal(t, 5, m.State().Day.Day())
	assert.Equal(t, 0.0, m.State().RealizedToday)
}

func TestCloseBeforeFirstEvaluateOfDayCountsToday(t *testing.T) {
	m := NewManager(baseConfig())
	m.Evaluate(day1, Proposal{}, flatAccount(10000))
	m.RecordOpen()
	m.RecordOpen()

	day2 := time.Date(2024, 3, 5, 0, 0, 30, 0, time.UTC)
	m.RecordClose(day2, -450)
	m.RecordClose(day2.Add(time.Minute), -470)

	s := m.State()
	assert.True(t, utcDay(day2).Equal(s.Day))
	assert.Equal(t, 10000.0, s.DayStartBalance)
	assert.Equal(t, -920.0, s.RealizedToday)
	assert.Equal(t, 920.0, s.DailyLoss)

	v := m.Evaluate(day2.Add(2*time.Minute), Proposal{Direction: broker.Long, Price: 1000}, flatAccount(9080))
	assert.False(t, v.Approved())
	assert.Equal(t, ReasonDailyLoss, v.Reason)
	assert.True(t, v.LimitHit)
	assert.Equal(t, 10000.0, m.State().DayStartBalance, "day start stays fixed after the first evaluation")

	// a restart with the same ledger sees the same day
	restarted := NewManager(baseConfig())
	restarted.Restore(day2.Add(2*time.Minute), flatAccount(9080), 0, -920)
	assert.Equal(t, s.DayStartBalance, restarted.State().DayStartBalance)
	assert.Equal(t, s.DailyLoss, restarted.State().DailyLoss)
}

func TestRollBooksStopOutsAroundMidnight(t *testing.T) {
	m := NewManager(baseConfig())
	m.Evaluate(day1, Proposal{}, flatAccount(10000))
	m.RecordOpen()
	m.RecordOpen()

	// both venue stop-outs are already in the balance when the day rolls
	at := time.Date(2024, 3, 5, 0, 0, 30, 0, time.UTC)
	assert.True(t, m.Roll(at, flatAccount(9500)))
	assert.False(t, m.Roll(at.Add(time.Second), flatAccount(9500)))
	assert.Equal(t, 9500.0, m.State().DayStartBalance)

	m.RecordClose(time.Date(2024, 3, 5, 0, 0, 10, 0, time.UTC), -450)
	m.RecordClose(time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC), -50)

	s := m.State()
	assert.Equal(t, 9950.0, s.DayStartBalance, "balance at midnight")
	assert.Equal(t, -450.0, s.RealizedToday)
	assert.Equal(t, 450.0, s.DailyLoss)
	assert.Zero(t, s.OpenTrades)

	restarted := NewManager(baseConfig())
	restarted.Restore(at, flatAccount(9500), 0, -450)
	assert.Equal(t, s.DayStartBalance, restarted.State().DayStartBalance)
	assert.Equal(t, s.DailyLoss, restarted.State().DailyLoss)
}

func TestRollResetsWithoutTrading(t *testing.T) {
	m := NewManager(baseConfig())
	m.Restore(day1, flatAccount(9400), 0, -600)
	v := m.Evaluate(day1.Add(time.Minute), Proposal{}, flatAccount(9400))
	require.Equal(t, ReasonDailyLoss, v.Reason)

	midnight := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.True(t, m.Roll(midnight, flatAccount(9400)))

	s := m.State()
	assert.False(t, s.Halted)
	assert.Zero(t, s.DailyLoss)
	assert.Equal(t, 9400.0, s.DayStartBalance)
}

func TestMaxPositions(t *testing.T) {
	m := NewManager(baseConfig())
	for i := 0; i < 3; i++ {
		m.RecordOpen()
	}
	v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))
	assert.Equal(t, ReasonMaxPositions, v.Reason)

	m.SyncOpenTrades(2)
	v = m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))
	assert.True(t, v.Approved())
}

func TestHoldPassesThrough(t *testing.T) {
	m := NewManager(baseConfig())
	v := m.Evaluate(day1, Proposal{Price: 1000}, flatAccount(10000))
	assert.False(t, v.Approved())
	assert.False(t, v.Flatten)
	assert.Equal(t, ReasonHold, v.Reason)
}

func TestRejections(t *testing.T) {
	t.Run("margin", func(t *testing.T) {
		m := NewManager(baseConfig())
		acct := flatAccount(10000)
		acct.FreeMargin = 100
		v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, acct)
		assert.Equal(t, ReasonMargin, v.Reason)
	})
	t.Run("size below step", func(t *testing.T) {
		cfg := baseConfig()
		cfg.StopLossDistance = 500
		m := NewManager(cfg)
		v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))
		assert.Equal(t, ReasonTooSmall, v.Reason)
	})
	t.Run("no stop distance", func(t *testing.T) {
		cfg := baseConfig()
		cfg.StopLossDistance = 0
		cfg.ATRStopMultiplier = 2
		m := NewManager(cfg)
		v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))
		assert.Equal(t, ReasonNoStop, v.Reason)
	})
	t.Run("no price", func(t *testing.T) {
		m := NewManager(baseConfig())
		v := m.Evaluate(day1, Proposal{Direction: broker.Long}, flatAccount(10000))
		assert.Equal(t, ReasonNoPrice, v.Reason)
	})
	t.Run("max volume cap", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MaxVolume = 2.5
		m := NewManager(cfg)
		v := m.Evaluate(day1, Proposal{Direction: broker.Long, Price: 1000}, flatAccount(10000))
		require.True(t, v.Approved())
		assert.Equal(t, 2.0, v.Order.Volume)
	})
}

func TestATRDerivedStop(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLossDistance = 0
	cfg.ATRStopMultiplier = 2
	cfg.TakeProfitDistance = 30
	m := NewManager(cfg)

	v := m.Evaluate(day1, Proposal{Direction: broker.Short, Price: 1000, ATR: 12.5}, flatAccount(10000))
	require.True(t, v.Approved())
	assert.Equal(t, 8.0, v.Order.Volume)
	assert.Equal(t, 1025.0, v.Order.StopLoss)
	assert.Equal(t, 970.0, v.Order.TakeProfit)
}

func TestRestoreKeepsRealizedLoss(t *testing.T) {
	m := NewManager(baseConfig())
	m.Restore(day1, flatAccount(9600), 1, -400)

	s := m.State()
	assert.Equal(t, 10000.0, s.DayStartBalance)
	assert.Equal(t, 1, s.OpenTrades)
	assert.Equal(t, 400.0, s.DailyLoss)

	acct := flatAccount(9600)
	acct.Equity = 9500
	v := m.Evaluate(day1.Add(time.Minute), Proposal{Direction: broker.Long, Price: 1000}, acct)
	assert.Equal(t, ReasonDailyLoss, v.Reason)
	assert.True(t, v.Flatten)
}

func TestRoundDown(t *testing.T) {
	assert.Equal(t, 4.0, RoundDown(4.99, 1))
	assert.Equal(t, 0.3, RoundDown(0.39, 0.1))
	assert.Equal(t, 1.25, RoundDown(1.2599, 0.05))
	assert.Equal(t, 0.0, RoundDown(-3, 1))
	assert.Equal(t, 7.5, RoundDown(7.5, 0))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	rc := FromConfig(cfg)
	assert.Equal(t, 0.02, rc.MaxRiskPerTrade)
	assert.Equal(t, 0.05, rc.MaxDailyLoss)
	assert.Equal(t, 3, rc.MaxPositions)
	assert.InDelta(t, 0.1, rc.MarginRate, 1e-12)
}
