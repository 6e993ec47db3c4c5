package broker

import (
	"context"
	"errors"
	"time"

	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/retry"
)

type ResilientConfig struct {
	Timeout        time.Duration
	ConnectRetries int
	CallRetries    int
	Backoff        time.Duration
}

// Resilient bounds every call to the wrapped gateway with a timeout and
// retries connection failures with exponential backoff. Orders are never
// retried here; the executor owns that decision.
type Resilient struct {
	next   Gateway
	cfg    ResilientConfig
	logger *logger.Logger
}

func NewResilient(next Gateway, cfg ResilientConfig, log *logger.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectRetries < 1 {
		cfg.ConnectRetries = 1
	}
	if cfg.CallRetries < 1 {
		cfg.CallRetries = 1
	}
	return &Resilient{next: next, cfg: cfg, logger: log}
}

// Unwrap returns the wrapped gateway.
func (r *Resilient) Unwrap() Gateway {
	return r.next
}

func isConnection(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Resilient) policy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		Backoff:   r.cfg.Backoff,
		MaxDelay:  30 * time.Second,
		Retryable: isConnection,
	}
}

func (r *Resilient) call(ctx context.Context, op string, attempts int, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, r.policy(attempts), func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && isConnection(err) {
			r.logger.Warn("broker call failed", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrConnection) {
		return ConnectionError(op, err)
	}
	return err
}

func (r *Resilient) Connect(ctx context.Context) error {
	err := r.call(ctx, "connect", r.cfg.ConnectRetries, r.next.Connect)
	if err != nil && !errors.Is(err, ErrConnection) {
		return ConnectionError("connect", err)
	}
	return err
}

func (r *Resilient) Disconnect(ctx context.Context) error {
	return r.call(ctx, "disconnect", 1, r.next.Disconnect)
}

func (r *Resilient) FetchObservationInputs(ctx context.Context, symbol string, lookback int) (*MarketInputs, error) {
	var out *MarketInputs
	err := r.call(ctx, "fetch", r.cfg.CallRetries, func(ctx context.Context) error {
		var err error
		out, err = r.next.FetchObservationInputs(ctx, symbol, lookback)
		return err
	})
	return out, err
}

func (r *Resilient) Account(ctx context.Context) (AccountSnapshot, error) {
	var out AccountSnapshot
	err := r.call(ctx, "account", r.cfg.CallRetries, func(ctx context.Context) error {
		var err error
		out, err = r.next.Account(ctx)
		return err
	})
	return out, err
}

func (r *Resilient) SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	var out *Fill
	err := r.call(ctx, "submit", 1, func(ctx context.Context) error {
		var err error
		out, err = r.next.SubmitOrder(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) ClosePosition(ctx context.Context, ref PositionRef) (*CloseResult, error) {
	var out *CloseResult
	err := r.call(ctx, "close", r.cfg.CallRetries, func(ctx context.Context) error {
		var err error
		out, err = r.next.ClosePosition(ctx, ref)
		return err
	})
	return out, err
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	return r.call(ctx, "cancel", r.cfg.CallRetries, func(ctx context.Context) error {
		return r.next.CancelOrder(ctx, orderID)
	})
}

func (r *Resilient) ListOpenPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := r.call(ctx, "positions", r.cfg.CallRetries, func(ctx context.Context) error {
		var err error
		out, err = r.next.ListOpenPositions(ctx)
		return err
	})
	return out, err
}
