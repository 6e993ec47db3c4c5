// Package notify fans operational events out to Telegram, webhooks and
// live websocket clients with at-least-once delivery per sink.
package notify

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Category string

const (
	TradeOpened       Category = "trade_opened"
	TradeClosed       Category = "trade_closed"
	RiskLimitHit      Category = "risk_limit_hit"
	ConnectionError   Category = "connection_error"
	Shutdown          Category = "shutdown"
	Error             Category = "error"
	ReconcileMismatch Category = "reconcile_mismatch"
	Startup           Category = "startup"
)

type Notification struct {
	ID       uuid.UUID      `json:"id"`
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// New builds a notification from alternating key/value pairs, the same
// shape slog takes.
func New(category Category, severity Severity, message string, kv ...any) Notification {
	n := Notification{
		ID:       uuid.New(),
		Time:     time.Now().UTC(),
		Severity: severity,
		Category: category,
		Message:  message,
	}
	if len(kv) > 0 {
		n.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			n.Fields[key] = kv[i+1]
		}
	}
	return n
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(n Notification)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(Notification) {}
