package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is retryable; the caller escalates after repeated failures.
	ErrConnection = errors.New("broker connection error")
	// ErrDataUnavailable means the venue has no quote, e.g. the market is closed.
	ErrDataUnavailable = errors.New("market data unavailable")
	ErrNotConnected    = errors.New("broker not connected")
)

// OrderRejectedError is returned when the venue refuses an order.
type OrderRejectedError struct {
	Reason string
	Margin bool
}

func (e *OrderRejectedError) Error() string {
	if e.Margin {
		return fmt.Sprintf("order rejected (margin): %s", e.Reason)
	}
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

func Rejected(reason string) error {
	return &OrderRejectedError{Reason: reason}
}

func MarginRejected(reason string) error {
	return &OrderRejectedError{Reason: reason, Margin: true}
}

// IsMarginRejection reports whether err is an order rejection caused by
// insufficient margin.
func IsMarginRejection(err error) bool {
	var rej *OrderRejectedError
	return errors.As(err, &rej) && rej.Margin
}

func IsRejection(err error) bool {
	var rej *OrderRejectedError
	return errors.As(err, &rej)
}

// ConnectionError wraps err so that errors.Is(err, ErrConnection) holds.
func ConnectionError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnection, err)
}
