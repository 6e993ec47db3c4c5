// Package paper is a simulated venue. It fills market orders at the quote,
// fires stop-loss and take-profit levels from incoming bars and keeps a
// margin account. Paper mode and the test suites run against it.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/ids"
)

const maxBars = 2000

type Config struct {
	InitialBalance float64
	ValuePerPoint  float64
	MarginRate     float64
	Spread         float64
}

type position struct {
	broker.Position
	stopLoss   float64
	takeProfit float64
}

type Engine struct {
	mu  sync.Mutex
	cfg Config

	balance   float64
	bars      map[string][]broker.Bar
	quotes    map[string]broker.Quote
	open      map[string]*position
	closed    map[string]broker.CloseResult
	feed      Feed
	connected bool

	offline      bool
	marketClosed bool
	rejections   []error
	fillRatio    float64
	submitted    int
}

var _ broker.Gateway = (*Engine)(nil)

func NewEngine(cfg Config) *Engine {
	if cfg.ValuePerPoint <= 0 {
		cfg.ValuePerPoint = 1
	}
	if cfg.MarginRate <= 0 {
		cfg.MarginRate = 1
	}
	return &Engine{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		bars:      make(map[string][]broker.Bar),
		quotes:    make(map[string]broker.Quote),
		open:      make(map[string]*position),
		closed:    make(map[string]broker.CloseResult),
		fillRatio: 1,
	}
}

// WithFeed attaches a bar source. Every fetch then advances the market by
// one bar.
func (e *Engine) WithFeed(f Feed) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feed = f
	return e
}

// Warmup draws n bars from the feed so the first observation has history.
func (e *Engine) Warmup(symbol string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feed == nil {
		return
	}
	for i := 0; i < n; i++ {
		e.pushLocked(symbol, e.feed.Next(symbol, e.lastBarLocked(symbol)))
	}
}

// PushBar appends a bar, moves the quote to its close and fires any stop
// levels the bar crossed.
func (e *Engine) PushBar(symbol string, bar broker.Bar) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushLocked(symbol, bar)
}

func (e *Engine) SetQuote(symbol string, bid, ask float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = broker.Quote{Bid: bid, Ask: ask, Time: at}
}

// SetOffline makes every call fail with a connection error.
func (e *Engine) SetOffline(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = v
}

// SetMarketClosed makes fetches report no quote.
func (e *Engine) SetMarketClosed(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketClosed = v
}

// RejectNext queues errors returned by the following SubmitOrder calls.
func (e *Engine) RejectNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejections = append(e.rejections, errs...)
}

// SetFillRatio makes orders fill only part of the requested volume.
func (e *Engine) SetFillRatio(r float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillRatio = r
}

// Submitted counts SubmitOrder calls, accepted or not.
func (e *Engine) Submitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

// ForceClose closes a position as if the venue had acted on its own.
func (e *Engine) ForceClose(ticket string, price float64, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.open[ticket]
	if !ok {
		return false
	}
	e.closeLocked(p, price, at)
	return true
}

func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offline {
		return broker.ConnectionError("connect", fmt.Errorf("paper venue offline"))
	}
	e.connected = true
	return nil
}

func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Engine) checkLocked(op string) error {
	if e.offline {
		return broker.ConnectionError(op, fmt.Errorf("paper venue offline"))
	}
	if !e.connected {
		return broker.ErrNotConnected
	}
	return nil
}

func (e *Engine) FetchObservationInputs(ctx context.Context, symbol string, lookback int) (*broker.MarketInputs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked("fetch"); err != nil {
		return nil, err
	}
	if e.marketClosed {
		return nil, fmt.Errorf("%s: %w", symbol, broker.ErrDataUnavailable)
	}
	if e.feed != nil {
		e.pushLocked(symbol, e.feed.Next(symbol, e.lastBarLocked(symbol)))
	}

	quote, ok := e.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%s has no quote: %w", symbol, broker.ErrDataUnavailable)
	}

	bars := e.bars[symbol]
	if lookback > 0 && len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	out := make([]broker.Bar, len(bars))
	copy(out, bars)

	return &broker.MarketInputs{Symbol: symbol, Bars: out, Quote: quote}, nil
}

func (e *Engine) Account(ctx context.Context) (broker.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked("account"); err != nil {
		return broker.AccountSnapshot{}, err
	}
	return e.accountLocked(), nil
}

func (e *Engine) accountLocked() broker.AccountSnapshot {
	var unrealized, used float64
	for _, p := range e.open {
		unrealized += e.profitLocked(p, e.exitPriceLocked(p))
		used += p.Volume * p.OpenPrice * e.cfg.ValuePerPoint * e.cfg.MarginRate
	}
	equity := e.balance + unrealized
	return broker.AccountSnapshot{
		Time:       time.Now().UTC(),
		Balance:    e.balance,
		Equity:     equity,
		MarginUsed: used,
		FreeMargin: equity - used,
	}
}

func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked("submit"); err != nil {
		return nil, err
	}
	e.submitted++

	if len(e.rejections) > 0 {
		err := e.rejections[0]
		e.rejections = e.rejections[1:]
		return nil, err
	}
	if req.Volume <= 0 {
		return nil, broker.Rejected("volume must be positive")
	}
	if !req.Direction.Valid() {
		return nil, broker.Rejected(fmt.Sprintf("unknown direction %q", req.Direction))
	}
	quote, ok := e.quotes[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%s has no quote: %w", req.Symbol, broker.ErrDataUnavailable)
	}

	price := quote.EntryPrice(req.Direction)
	filled := req.Volume * e.fillRatio
	if filled <= 0 {
		return nil, broker.Rejected("nothing filled")
	}

	required := filled * price * e.cfg.ValuePerPoint * e.cfg.MarginRate
	if acct := e.accountLocked(); required > acct.FreeMargin {
		return nil, broker.MarginRejected(fmt.Sprintf("required %.2f, free %.2f", required, acct.FreeMargin))
	}

	now := quote.Time
	if now.IsZero() {
		now = time.Now().UTC()
	}
	p := &position{
		Position: broker.Position{
			Ticket:       ids.New(),
			Symbol:       req.Symbol,
			Direction:    req.Direction,
			Volume:       filled,
			OpenPrice:    price,
			CurrentPrice: price,
			OpenTime:     now,
		},
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
	}
	e.open[p.Ticket] = p

	return &broker.Fill{
		OrderID:   p.Ticket,
		Ticket:    p.Ticket,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Requested: req.Volume,
		Volume:    filled,
		Price:     price,
		Time:      now,
	}, nil
}

func (e *Engine) ClosePosition(ctx context.Context, ref broker.PositionRef) (*broker.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked("close"); err != nil {
		return nil, err
	}

	if p, ok := e.open[ref.Ticket]; ok {
		at := e.quotes[p.Symbol].Time
		if at.IsZero() {
			at = time.Now().UTC()
		}
		res := e.closeLocked(p, e.exitPriceLocked(p), at)
		return &res, nil
	}

	if res, ok := e.closed[ref.Ticket]; ok {
		res.AlreadyClosed = true
		return &res, nil
	}

	res := broker.CloseResult{Ticket: ref.Ticket, Time: time.Now().UTC(), AlreadyClosed: true}
	if q, ok := e.quotes[ref.Symbol]; ok {
		res.Price = q.EntryPrice(ref.Direction.Opposite())
	}
	return &res, nil
}

func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked("cancel")
}

func (e *Engine) ListOpenPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLocked("positions"); err != nil {
		return nil, err
	}

	out := make([]broker.Position, 0, len(e.open))
	for _, p := range e.open {
		pos := p.Position
		pos.CurrentPrice = e.exitPriceLocked(p)
		pos.Profit = e.profitLocked(p, pos.CurrentPrice)
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Balance is the realized cash balance.
func (e *Engine) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

func (e *Engine) lastBarLocked(symbol string) broker.Bar {
	bars := e.bars[symbol]
	if len(bars) == 0 {
		return broker.Bar{}
	}
	return bars[len(bars)-1]
}

func (e *Engine) pushLocked(symbol string, bar broker.Bar) {
	bars := append(e.bars[symbol], bar)
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	e.bars[symbol] = bars

	half := e.cfg.Spread / 2
	e.quotes[symbol] = broker.Quote{Bid: bar.Close - half, Ask: bar.Close + half, Time: bar.Time}

	for _, p := range e.open {
		if p.Symbol != symbol {
			continue
		}
		if price, hit := triggered(p, bar); hit {
			e.closeLocked(p, price, bar.Time)
		}
	}
}

// triggered checks the stop-loss first so a bar spanning both levels is
// booked at the worse price.
func triggered(p *position, bar broker.Bar) (float64, bool) {
	if p.Direction == broker.Long {
		if p.stopLoss > 0 && bar.Low <= p.stopLoss {
			return p.stopLoss, true
		}
		if p.takeProfit > 0 && bar.High >= p.takeProfit {
			return p.takeProfit, true
		}
		return 0, false
	}
	if p.stopLoss > 0 && bar.High >= p.stopLoss {
		return p.stopLoss, true
	}
	if p.takeProfit > 0 && bar.Low <= p.takeProfit {
		return p.takeProfit, true
	}
	return 0, false
}

// exitPriceLocked is the side of the book a close would hit: longs sell
// at the bid, shorts buy at the ask.
func (e *Engine) exitPriceLocked(p *position) float64 {
	q, ok := e.quotes[p.Symbol]
	if !ok {
		return p.OpenPrice
	}
	return q.EntryPrice(p.Direction.Opposite())
}

func (e *Engine) profitLocked(p *position, price float64) float64 {
	return p.Direction.Sign() * (price - p.OpenPrice) * p.Volume * e.cfg.ValuePerPoint
}

func (e *Engine) closeLocked(p *position, price float64, at time.Time) broker.CloseResult {
	e.balance += e.profitLocked(p, price)
	delete(e.open, p.Ticket)
	res := broker.CloseResult{Ticket: p.Ticket, Price: price, Time: at}
	e.closed[p.Ticket] = res
	return res
}
