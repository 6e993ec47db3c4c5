// Package tinkoff adapts the Tinkoff Invest gRPC API to broker.Gateway.
package tinkoff

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/logger"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

type Config struct {
	Token          string
	AccountID      string
	AppName        string
	Sandbox        bool
	CandleInterval string
}

type Gateway struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	client  *investgo.Client
	stops   map[string][]stopOrders // ticket -> protective orders
	uids    sync.Map                // ticker -> instrument uid
	tickers sync.Map                // instrument uid -> ticker
}

var _ broker.Gateway = (*Gateway)(nil)

func New(cfg Config, log *logger.Logger) *Gateway {
	if cfg.AppName == "" {
		cfg.AppName = "rl-trader"
	}
	return &Gateway{cfg: cfg, logger: log, stops: make(map[string][]stopOrders)}
}

func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return nil
	}

	endpoint := liveEndpoint
	if g.cfg.Sandbox {
		endpoint = sandboxEndpoint
	}

	client, err := investgo.NewClient(ctx, investgo.Config{
		EndPoint:  endpoint,
		Token:     g.cfg.Token,
		AccountId: g.cfg.AccountID,
		AppName:   g.cfg.AppName,
	}, g.logger)
	if err != nil {
		return broker.ConnectionError("create investgo client", err)
	}
	g.client = client

	if g.cfg.Sandbox && g.cfg.AccountID == "" {
		if err := g.setupSandbox(); err != nil {
			return fmt.Errorf("setup sandbox: %w", err)
		}
	}

	g.logger.Info("broker connected", "account_id", g.accountID(), "sandbox", g.cfg.Sandbox)
	return nil
}

func (g *Gateway) setupSandbox() error {
	sandbox := g.client.NewSandboxServiceClient()

	_, err := sandbox.SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: g.client.Config.AccountId,
		Currency:  "RUB",
		Unit:      1000000,
		Nano:      0,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}

	g.logger.Info("sandbox account funded", "account_id", g.client.Config.AccountId)
	return nil
}

func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Stop()
	g.client = nil
	return err
}

func (g *Gateway) conn() (*investgo.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, broker.ErrNotConnected
	}
	return g.client, nil
}

func (g *Gateway) accountID() string {
	if g.client == nil {
		return g.cfg.AccountID
	}
	return g.client.Config.AccountId
}

// do runs a blocking SDK call and gives up when ctx is done. The SDK does
// not accept per-call contexts.
func do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, broker.ConnectionError("tinkoff call", ctx.Err())
	case r := <-ch:
		return r.v, classify(r.err)
	}
}

// classify maps gRPC transport failures to broker.ErrConnection and margin
// refusals to a margin rejection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return broker.ConnectionError("tinkoff", err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not enough") || strings.Contains(msg, "insufficient") || strings.Contains(msg, "margin") {
			return broker.MarginRejected(err.Error())
		}
		return broker.Rejected(err.Error())
	}
	return err
}
