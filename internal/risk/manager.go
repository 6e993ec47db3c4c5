// Package risk sizes proposed entries and enforces per-trade and per-day
// loss limits. It never talks to the network.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/config"
)

type Reason string

const (
	ReasonApproved     Reason = ""
	ReasonHold         Reason = "hold"
	ReasonDailyLoss    Reason = "daily_loss_limit"
	ReasonMaxPositions Reason = "max_positions"
	ReasonNoStop       Reason = "no_stop_distance"
	ReasonNoPrice      Reason = "no_price"
	ReasonTooSmall     Reason = "size_below_minimum"
	ReasonMargin       Reason = "insufficient_margin"
)

type Config struct {
	MaxRiskPerTrade    float64
	MaxDailyLoss       float64
	MaxPositions       int
	StopLossDistance   float64
	TakeProfitDistance float64
	ATRStopMultiplier  float64
	ValuePerPoint      float64
	VolumeStep         float64
	MinVolume          float64
	MaxVolume          float64
	MarginRate         float64
}

func FromConfig(c *config.Config) Config {
	r := c.Risk
	return Config{
		MaxRiskPerTrade:    r.MaxRiskPerTrade,
		MaxDailyLoss:       r.MaxDailyLoss,
		MaxPositions:       r.MaxPositions,
		StopLossDistance:   r.StopLossDistance,
		TakeProfitDistance: r.TakeProfitDistance,
		ATRStopMultiplier:  r.ATRStopMultiplier,
		ValuePerPoint:      r.ValuePerPoint,
		VolumeStep:         r.VolumeStep,
		MinVolume:          r.MinVolume,
		MaxVolume:          r.MaxVolume,
		MarginRate:         c.MarginRate(),
	}
}

// Proposal is what the policy wants. An empty Direction means Hold.
type Proposal struct {
	Direction broker.Direction
	Price     float64
	ATR       float64
}

type Order struct {
	Direction  broker.Direction
	Volume     float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	RiskAmount float64
}

// Verdict is the outcome of one evaluation. Order is nil unless approved.
// Flatten asks the executor to close every open trade. LimitHit is set
// only on the evaluation that tripped the daily limit.
type Verdict struct {
	Order    *Order
	Flatten  bool
	Reason   Reason
	LimitHit bool
}

func (v Verdict) Approved() bool {
	return v.Order != nil
}

type State struct {
	Day             time.Time `json:"day"`
	DayStartBalance float64   `json:"day_start_balance"`
	RealizedToday   float64   `json:"realized_today"`
	Unrealized      float64   `json:"unrealized"`
	DailyLoss       float64   `json:"daily_loss"`
	OpenTrades      int       `json:"open_trades"`
	Halted          bool      `json:"halted"`
}

// Manager owns State. Only the decision loop mutates it; the mutex is
// there so reporting can read a consistent copy.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state State
	// balance is the last known account balance, sampled at balanceAt and
	// moved by every close booked after that.
	balance   float64
	balanceAt time.Time
	// rolledAt is when DayStartBalance was sampled. Closes stamped between
	// midnight and rolledAt are already in that sample.
	rolledAt time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.VolumeStep <= 0 {
		cfg.VolumeStep = 1
	}
	if cfg.ValuePerPoint <= 0 {
		cfg.ValuePerPoint = 1
	}
	return &Manager{cfg: cfg}
}

// Restore seeds the state after a restart so a mid-day restart keeps the
// day's realized losses and open-trade count.
func (m *Manager) Restore(now time.Time, acct broker.AccountSnapshot, openTrades int, realizedToday float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{
		Day:             utcDay(now),
		DayStartBalance: acct.Balance - realizedToday,
		RealizedToday:   realizedToday,
		Unrealized:      acct.Unrealized(),
		OpenTrades:      openTrades,
	}
	m.state.DailyLoss = dailyLoss(m.state)
	m.observe(now, acct)
	m.rolledAt = now
}

// Roll starts a new UTC day when now has crossed midnight. The loop calls
// it at the top of every cycle, before anything can book a close. It
// reports whether a new day began.
func (m *Manager) Roll(now time.Time, acct broker.AccountSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rolled := m.rollLocked(now, acct.Balance)
	m.observe(now, acct)
	m.state.Unrealized = acct.Unrealized()
	m.state.DailyLoss = dailyLoss(m.state)
	return rolled
}

func (m *Manager) Evaluate(now time.Time, p Proposal, acct broker.AccountSnapshot) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollLocked(now, acct.Balance)
	m.observe(now, acct)
	m.state.Unrealized = acct.Unrealized()
	m.state.DailyLoss = dailyLoss(m.state)

	limit := m.cfg.MaxDailyLoss * m.state.DayStartBalance
	if m.state.Halted || (limit > 0 && m.state.DailyLoss >= limit) {
		first := !m.state.Halted
		m.state.Halted = true
		return Verdict{Flatten: m.state.OpenTrades > 0, Reason: ReasonDailyLoss, LimitHit: first}
	}

	if !p.Direction.Valid() {
		return Verdict{Reason: ReasonHold}
	}
	if m.cfg.MaxPositions > 0 && m.state.OpenTrades >= m.cfg.MaxPositions {
		return Verdict{Reason: ReasonMaxPositions}
	}
	return m.size(p, acct)
}

func (m *Manager) size(p Proposal, acct broker.AccountSnapshot) Verdict {
	if p.Price <= 0 || math.IsNaN(p.Price) {
		return Verdict{Reason: ReasonNoPrice}
	}
	stop := m.stopDistance(p.ATR)
	if stop <= 0 {
		return Verdict{Reason: ReasonNoStop}
	}

	budget := decimal.NewFromFloat(acct.Equity).Mul(decimal.NewFromFloat(m.cfg.MaxRiskPerTrade))
	perUnit := decimal.NewFromFloat(stop).Mul(decimal.NewFromFloat(m.cfg.ValuePerPoint))
	volume := RoundDown(budget.Div(perUnit).InexactFloat64(), m.cfg.VolumeStep)
	if m.cfg.MaxVolume > 0 && volume > m.cfg.MaxVolume {
		volume = RoundDown(m.cfg.MaxVolume, m.cfg.VolumeStep)
	}
	if volume <= 0 || volume < m.cfg.MinVolume {
		return Verdict{Reason: ReasonTooSmall}
	}

	margin := volume * p.Price * m.cfg.ValuePerPoint * m.cfg.MarginRate
	if margin > acct.FreeMargin {
		return Verdict{Reason: ReasonMargin}
	}

	tp := m.cfg.TakeProfitDistance
	if tp <= 0 {
		tp = 2 * stop
	}
	risk := decimal.NewFromFloat(volume).Mul(perUnit)
	if risk.GreaterThan(budget) {
		// float noise in the division; step down once more
		volume = RoundDown(volume-m.cfg.VolumeStep, m.cfg.VolumeStep)
		if volume <= 0 || volume < m.cfg.MinVolume {
			return Verdict{Reason: ReasonTooSmall}
		}
		risk = decimal.NewFromFloat(volume).Mul(perUnit)
	}

	return Verdict{Order: &Order{
		Direction:  p.Direction,
		Volume:     volume,
		EntryPrice: p.Price,
		StopLoss:   StopLossPrice(p.Direction, p.Price, stop),
		TakeProfit: TakeProfitPrice(p.Direction, p.Price, tp),
		RiskAmount: risk.InexactFloat64(),
	}}
}

func (m *Manager) stopDistance(atr float64) float64 {
	if m.cfg.StopLossDistance > 0 {
		return m.cfg.StopLossDistance
	}
	if m.cfg.ATRStopMultiplier > 0 && atr > 0 && !math.IsNaN(atr) {
		return m.cfg.ATRStopMultiplier * atr
	}
	return 0
}

func (m *Manager) rollLocked(now time.Time, balance float64) bool {
	day := utcDay(now)
	if !day.After(m.state.Day) {
		return false
	}
	m.state.Day = day
	m.state.DayStartBalance = balance
	m.state.RealizedToday = 0
	m.state.Unrealized = 0
	m.state.DailyLoss = 0
	m.state.Halted = false
	m.rolledAt = now
	return true
}

func (m *Manager) observe(now time.Time, acct broker.AccountSnapshot) {
	m.balance = acct.Balance
	m.balanceAt = now
}

func (m *Manager) RecordOpen() {
	m.mu.Lock()
	m.state.OpenTrades++
	m.mu.Unlock()
}

// RecordClose books a close on the UTC day it happened. A close stamped
// after midnight starts the new day first; one stamped before the current
// day only releases its open-trade slot.
func (m *Manager) RecordClose(at time.Time, profit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.OpenTrades > 0 {
		m.state.OpenTrades--
	}
	if at.IsZero() {
		at = m.balanceAt
	}
	inBalance := !m.balanceAt.IsZero() && at.Before(m.balanceAt)

	if !m.state.Day.IsZero() && utcDay(at).Before(m.state.Day) {
		return
	}
	if !m.state.Day.IsZero() {
		m.rollLocked(at, m.balance)
	}
	if at.Before(m.rolledAt) {
		// the day start sample already contains this result
		m.state.DayStartBalance -= profit
	}
	if !inBalance {
		m.balance += profit
	}
	m.state.RealizedToday += profit
	m.state.DailyLoss = dailyLoss(m.state)
}

// SyncOpenTrades realigns the count with the ledger after reconciliation.
func (m *Manager) SyncOpenTrades(n int) {
	m.mu.Lock()
	m.state.OpenTrades = n
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func dailyLoss(s State) float64 {
	return math.Max(0, -(s.RealizedToday + s.Unrealized))
}

func utcDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// RoundDown floors v to a multiple of step.
func RoundDown(v, step float64) float64 {
	if step <= 0 || v <= 0 {
		return math.Max(v, 0)
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Div(s).Floor().Mul(s).InexactFloat64()
}

func StopLossPrice(d broker.Direction, entry, distance float64) float64 {
	return entry - d.Sign()*distance
}

func TakeProfitPrice(d broker.Direction, entry, distance float64) float64 {
	return entry + d.Sign()*distance
}
