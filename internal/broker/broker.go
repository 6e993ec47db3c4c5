// Package broker defines the venue boundary: the Gateway every adapter
// implements and the value types that cross it.
package broker

import (
	"context"
	"time"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

type Quote struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// EntryPrice is the price a market order in direction d would pay.
func (q Quote) EntryPrice(d Direction) float64 {
	if d == Short {
		return q.Bid
	}
	return q.Ask
}

// MarketInputs is the raw material for one observation.
type MarketInputs struct {
	Symbol string
	Bars   []Bar
	Quote  Quote
}

type AccountSnapshot struct {
	Time       time.Time
	Balance    float64
	Equity     float64
	MarginUsed float64
	FreeMargin float64
}

// Unrealized is the open profit or loss implied by the snapshot.
func (a AccountSnapshot) Unrealized() float64 {
	return a.Equity - a.Balance
}

type OrderRequest struct {
	ClientID   string
	Symbol     string
	Direction  Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64 // 0 means none
}

type Fill struct {
	OrderID   string
	Ticket    string
	Symbol    string
	Direction Direction
	Requested float64
	Volume    float64
	Price     float64
	Time      time.Time
}

// Partial reports whether the venue filled less than requested.
func (f Fill) Partial() bool {
	return f.Volume < f.Requested
}

// PositionRef identifies a venue position to close.
type PositionRef struct {
	Ticket    string
	Symbol    string
	Direction Direction
	Volume    float64
}

type CloseResult struct {
	Ticket string
	Price  float64
	Time   time.Time
	// AlreadyClosed is set when the venue had nothing left to close, for
	// example after a stop-loss fired. Price then carries the venue's
	// closing price when it is known.
	AlreadyClosed bool
}

type Position struct {
	Ticket       string
	Symbol       string
	Direction    Direction
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	Profit       float64
	OpenTime     time.Time
}

// Gateway is the single boundary to the trading venue.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	FetchObservationInputs(ctx context.Context, symbol string, lookback int) (*MarketInputs, error)
	Account(ctx context.Context) (AccountSnapshot, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	// ClosePosition is idempotent: closing a position the venue no longer
	// holds succeeds with AlreadyClosed set.
	ClosePosition(ctx context.Context, ref PositionRef) (*CloseResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListOpenPositions(ctx context.Context) ([]Position, error)
}
