// Package executor turns approved orders into venue orders and keeps the
// ledger in step with what the venue actually did.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/ids"
	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/retry"
	"github.com/camuig/rl-trader/internal/risk"
	"github.com/camuig/rl-trader/internal/storage"
)

var ErrDuplicateDecision = errors.New("decision already executed")

// Ledger is the part of storage.Ledger the executor writes through.
type Ledger interface {
	SaveTrade(ctx context.Context, trade *storage.Trade) error
	TradeByDecision(ctx context.Context, decisionID string) (*storage.Trade, error)
	OpenTrades(ctx context.Context) ([]storage.Trade, error)
}

// Tracker is told about every open and close so risk counters follow the
// ledger. risk.Manager implements it.
type Tracker interface {
	RecordOpen()
	RecordClose(at time.Time, profit float64)
}

type Options struct {
	ValuePerPoint     float64
	VolumeStep        float64
	MinVolume         float64
	MarginRetryFactor float64
	WriteRetries      int
	WriteBackoff      time.Duration
}

type Executor struct {
	gw       broker.Gateway
	ledger   Ledger
	notifier notify.Notifier
	tracker  Tracker
	opts     Options
	logger   *logger.Logger
	queue    *WriteQueue
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	done     map[string]bool
}

func NewExecutor(
	gw broker.Gateway,
	ledger Ledger,
	notifier notify.Notifier,
	tracker Tracker,
	opts Options,
	log *logger.Logger,
) *Executor {
	if opts.ValuePerPoint <= 0 {
		opts.ValuePerPoint = 1
	}
	if opts.WriteRetries < 1 {
		opts.WriteRetries = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		gw:       gw,
		ledger:   ledger,
		notifier: notifier,
		tracker:  tracker,
		opts:     opts,
		logger:   log.With("component", "executor"),
		queue:    NewWriteQueue(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]bool),
		done:     make(map[string]bool),
	}
}

func (e *Executor) Queue() *WriteQueue {
	return e.queue
}

// claim reserves decisionID for a single submission.
func (e *Executor) claim(ctx context.Context, decisionID string) error {
	e.mu.Lock()
	if e.inflight[decisionID] || e.done[decisionID] {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", decisionID, ErrDuplicateDecision)
	}
	e.inflight[decisionID] = true
	e.mu.Unlock()

	if e.queue.HasDecision(decisionID) {
		e.release(decisionID, true)
		return fmt.Errorf("%s: %w", decisionID, ErrDuplicateDecision)
	}
	_, err := e.ledger.TradeByDecision(ctx, decisionID)
	switch {
	case err == nil:
		e.release(decisionID, true)
		return fmt.Errorf("%s: %w", decisionID, ErrDuplicateDecision)
	case !errors.Is(err, storage.ErrNotFound):
		e.logger.Warn("ledger lookup failed, relying on in-memory guard", "decision", decisionID, "error", err)
	}
	return nil
}

func (e *Executor) release(decisionID string, done bool) {
	e.mu.Lock()
	delete(e.inflight, decisionID)
	if done {
		e.done[decisionID] = true
	}
	e.mu.Unlock()
}

// Execute submits at most one venue order for decisionID. A margin
// rejection is retried once at a reduced size under a derived client id.
func (e *Executor) Execute(ctx context.Context, decisionID, symbol string, order *risk.Order) (*storage.Trade, error) {
	if order == nil || order.Volume <= 0 || !order.Direction.Valid() {
		return nil, errors.New("execute: invalid order")
	}
	if err := e.claim(ctx, decisionID); err != nil {
		return nil, err
	}
	// any submission attempt consumes the decision, even an uncertain one
	defer e.release(decisionID, true)

	log := e.logger.With("decision", decisionID, "symbol", symbol, "direction", order.Direction)
	req := broker.OrderRequest{
		ClientID:   decisionID,
		Symbol:     symbol,
		Direction:  order.Direction,
		Volume:     order.Volume,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	}

	fill, err := e.gw.SubmitOrder(ctx, req)
	if broker.IsMarginRejection(err) && e.opts.MarginRetryFactor > 0 {
		reduced := risk.RoundDown(order.Volume*e.opts.MarginRetryFactor, e.opts.VolumeStep)
		if reduced > 0 && reduced >= e.opts.MinVolume {
			log.Warn("margin rejection, retrying reduced", "volume", order.Volume, "reduced", reduced, "error", err)
			req.Volume = reduced
			req.ClientID = decisionID + "-r1"
			fill, err = e.gw.SubmitOrder(ctx, req)
		}
	}
	if err != nil {
		if broker.IsRejection(err) {
			log.Info("order rejected", "volume", req.Volume, "error", err)
		} else {
			log.Error("order submission failed", "volume", req.Volume, "error", err)
		}
		return nil, err
	}

	if fill.Partial() {
		log.Warn("partial fill", "requested", fill.Requested, "filled", fill.Volume)
	}

	tp := order.TakeProfit
	trade := &storage.Trade{
		ID:         ids.New(),
		DecisionID: decisionID,
		Symbol:     symbol,
		Direction:  string(order.Direction),
		Requested:  order.Volume,
		StopLoss:   order.StopLoss,
		Status:     storage.StatusPending,
	}
	if tp != 0 {
		trade.TakeProfit = &tp
	}
	if err := trade.Open(fill.Volume, fill.Price, e.now(), fill.Ticket, fill.OrderID); err != nil {
		return nil, err
	}

	e.persist(ctx, trade)
	if e.tracker != nil {
		e.tracker.RecordOpen()
	}

	log.Info("trade opened", "trade", trade.ID, "price", trade.OpenPrice, "volume", trade.Volume,
		"sl", trade.StopLoss, "tp", tp)
	e.notifier.Notify(notify.New(notify.TradeOpened, notify.SeverityInfo,
		fmt.Sprintf("%s %s opened", symbol, order.Direction),
		"trade", trade.ID, "price", trade.OpenPrice, "volume", trade.Volume,
		"stop_loss", trade.StopLoss, "take_profit", tp))
	return trade, nil
}

// Close exits one open trade at the venue and books the result. Closing a
// trade the venue already closed is a successful no-op at the venue.
func (e *Executor) Close(ctx context.Context, trade storage.Trade, reason storage.CloseReason) (*storage.Trade, error) {
	if !trade.IsOpen() {
		return &trade, nil
	}
	dir := broker.Direction(trade.Direction)
	res, err := e.gw.ClosePosition(ctx, broker.PositionRef{
		Ticket:    trade.BrokerTicket,
		Symbol:    trade.Symbol,
		Direction: dir,
		Volume:    trade.Volume,
	})
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", trade.ID, err)
	}
	return e.book(ctx, trade, res, reason)
}

func (e *Executor) book(ctx context.Context, trade storage.Trade, res *broker.CloseResult, reason storage.CloseReason) (*storage.Trade, error) {
	price := res.Price
	if price <= 0 {
		// venue gave no price; book flat rather than invent one
		price = trade.OpenPrice
	}
	at := e.now()
	if res.AlreadyClosed && !res.Time.IsZero() {
		at = res.Time.UTC()
	}
	dir := broker.Direction(trade.Direction)
	profit := dir.Sign() * (price - trade.OpenPrice) * trade.Volume * e.opts.ValuePerPoint

	if err := trade.Close(price, at, profit, reason); err != nil {
		return nil, err
	}
	e.persist(ctx, &trade)
	if e.tracker != nil {
		e.tracker.RecordClose(at, profit)
	}

	e.logger.Info("trade closed", "trade", trade.ID, "symbol", trade.Symbol, "price", price,
		"profit", profit, "reason", reason, "venue_closed", res.AlreadyClosed)
	e.notifier.Notify(notify.New(notify.TradeClosed, notify.SeverityInfo,
		fmt.Sprintf("%s %s closed (%s)", trade.Symbol, trade.Direction, reason),
		"trade", trade.ID, "price", price, "profit", profit, "reason", string(reason)))
	return &trade, nil
}

// OpenTrades is the ledger view merged with rows still waiting in the
// write queue.
func (e *Executor) OpenTrades(ctx context.Context) ([]storage.Trade, error) {
	rows, err := e.ledger.OpenTrades(ctx)
	if err != nil && e.queue.Len() == 0 {
		return nil, err
	}

	byID := make(map[string]storage.Trade, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}
	for _, t := range e.queue.Snapshot() {
		byID[t.ID] = t
	}

	out := make([]storage.Trade, 0, len(byID))
	for _, t := range byID {
		if t.IsOpen() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// CloseAll closes every open trade and keeps going past individual
// failures.
func (e *Executor) CloseAll(ctx context.Context, reason storage.CloseReason) ([]storage.Trade, error) {
	open, err := e.OpenTrades(ctx)
	if err != nil && len(open) == 0 {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	var closed []storage.Trade
	var errs []error
	for _, t := range open {
		c, err := e.Close(ctx, t, reason)
		if err != nil {
			e.logger.Error("close failed", "trade", t.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		closed = append(closed, *c)
	}
	return closed, errors.Join(errs...)
}

// persist writes through the ledger with bounded retries. On exhaustion
// the row is queued; the venue action already happened and is not undone.
func (e *Executor) persist(ctx context.Context, trade *storage.Trade) {
	err := retry.Do(ctx, retry.Policy{
		Attempts: e.opts.WriteRetries,
		Backoff:  e.opts.WriteBackoff,
	}, func(ctx context.Context) error {
		return e.ledger.SaveTrade(ctx, trade)
	})
	if err == nil {
		return
	}
	e.queue.Push(*trade)
	e.logger.Error("ledger write failed, queued", "trade", trade.ID, "status", trade.Status, "error", err)
	e.notifier.Notify(notify.New(notify.Error, notify.SeverityError,
		fmt.Sprintf("ledger write failed, trade %s queued", trade.ID),
		"trade", trade.ID, "error", err.Error()))
}

// FlushQueue retries queued ledger writes. It returns how many landed.
func (e *Executor) FlushQueue(ctx context.Context) (int, error) {
	if e.queue.Len() == 0 {
		return 0, nil
	}
	n, err := e.queue.Flush(ctx, e.ledger.SaveTrade)
	if n > 0 {
		e.logger.Info("flushed queued ledger writes", "count", n, "remaining", e.queue.Len())
	}
	if err != nil {
		return n, fmt.Errorf("%w: %w", storage.ErrPersistence, err)
	}
	return n, nil
}
