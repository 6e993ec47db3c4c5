package storage

import (
	"errors"
	"fmt"
	"time"
)

const (
	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

type CloseReason string

const (
	ReasonPolicy      CloseReason = "policy"
	ReasonRiskFlatten CloseReason = "risk_flatten"
	ReasonVenue       CloseReason = "venue"
	ReasonShutdown    CloseReason = "shutdown"
)

var ErrInvalidTransition = errors.New("invalid trade transition")

type Trade struct {
	ID        string    `gorm:"primarykey;size:26" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DecisionID string  `gorm:"index" json:"decision_id"`
	Symbol     string  `gorm:"index;not null" json:"symbol"`
	Direction  string  `gorm:"not null" json:"direction"` // long or short
	Requested  float64 `json:"requested_volume"`
	Volume     float64 `gorm:"not null" json:"volume"`

	OpenTime   time.Time `json:"open_time"`
	OpenPrice  float64   `json:"open_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit *float64  `json:"take_profit,omitempty"`

	BrokerTicket  string `gorm:"index" json:"broker_ticket"`
	BrokerOrderID string `json:"broker_order_id"`

	CloseTime   *time.Time  `json:"close_time,omitempty"`
	ClosePrice  *float64    `json:"close_price,omitempty"`
	Profit      *float64    `json:"profit,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`

	Status string `gorm:"index;not null;default:'pending'" json:"status"`
}

func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// Open records the fill of a pending trade.
func (t *Trade) Open(volume, price float64, at time.Time, ticket, orderID string) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusOpen)
	}
	if volume <= 0 {
		return fmt.Errorf("trade %s: filled volume must be positive, got %v", t.ID, volume)
	}
	t.Volume = volume
	t.OpenPrice = price
	t.OpenTime = at
	t.BrokerTicket = ticket
	t.BrokerOrderID = orderID
	t.Status = StatusOpen
	return nil
}

// Close sets the close fields together, once, from open only.
func (t *Trade) Close(price float64, at time.Time, profit float64, reason CloseReason) error {
	if t.Status != StatusOpen {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusClosed)
	}
	t.ClosePrice = &price
	t.CloseTime = &at
	t.Profit = &profit
	t.CloseReason = reason
	t.Status = StatusClosed
	return nil
}

func (t *Trade) Cancel() error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCancelled)
	}
	t.Status = StatusCancelled
	return nil
}

func (t *Trade) validate() error {
	if t.ID == "" {
		return errors.New("trade id is required")
	}
	if t.Status == StatusOpen || t.Status == StatusClosed {
		if t.Volume <= 0 {
			return fmt.Errorf("trade %s: volume must be positive", t.ID)
		}
		if t.StopLoss == 0 {
			return fmt.Errorf("trade %s: stop loss is required", t.ID)
		}
	}
	return nil
}

// AccountMetric is an immutable account snapshot row.
type AccountMetric struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"time"`

	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	MarginUsed float64 `json:"margin_used"`
	FreeMargin float64 `json:"free_margin"`
	OpenTrades int     `json:"open_trades"`
}

// Experience is one logged decision. Reward is derived at training time
// from the linked trade.
type Experience struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	DecisionID      string    `gorm:"uniqueIndex;size:26;not null" json:"decision_id"`
	Symbol          string    `json:"symbol"`
	Observation     []float64 `gorm:"serializer:json;type:text" json:"observation"`
	NextObservation []float64 `gorm:"serializer:json;type:text" json:"next_observation,omitempty"`
	Action          int       `json:"action"`
	Confidence      float64   `json:"confidence"`
	TradeID         string    `gorm:"index" json:"trade_id,omitempty"`
}

type TrainingRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Strategy   string        `json:"strategy"`
	Version    uint64        `json:"version"`
	Samples    int           `json:"samples"`
	Steps      int64         `json:"steps"`
	MeanReward float64       `json:"mean_reward"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
