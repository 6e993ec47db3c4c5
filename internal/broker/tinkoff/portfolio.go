package tinkoff

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/rl-trader/internal/broker"
)

type portfolio interface {
	GetTotalAmountPortfolio() *pb.MoneyValue
	GetTotalAmountCurrencies() *pb.MoneyValue
	GetPositions() []*pb.PortfolioPosition
}

func (g *Gateway) portfolio(ctx context.Context) (portfolio, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	accountID := g.accountID()
	currency := pb.PortfolioRequest_RUB

	if g.cfg.Sandbox {
		sandbox := client.NewSandboxServiceClient()
		r, err := do(ctx, func() (*investgo.PortfolioResponse, error) {
			return sandbox.GetSandboxPortfolio(accountID, currency)
		})
		if err != nil {
			return nil, fmt.Errorf("get sandbox portfolio: %w", err)
		}
		return r.PortfolioResponse, nil
	}

	ops := client.NewOperationsServiceClient()
	r, err := do(ctx, func() (*investgo.PortfolioResponse, error) {
		return ops.GetPortfolio(accountID, currency)
	})
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return r.PortfolioResponse, nil
}

func (g *Gateway) Account(ctx context.Context) (broker.AccountSnapshot, error) {
	p, err := g.portfolio(ctx)
	if err != nil {
		return broker.AccountSnapshot{}, err
	}

	snap := broker.AccountSnapshot{Time: time.Now().UTC()}
	if total := p.GetTotalAmountPortfolio(); total != nil {
		snap.Equity = total.ToFloat()
	}
	var cash float64
	if currencies := p.GetTotalAmountCurrencies(); currencies != nil {
		cash = currencies.ToFloat()
	}

	var unrealized float64
	for _, pos := range p.GetPositions() {
		if pos.GetInstrumentType() == "currency" {
			continue
		}
		if ey := pos.GetExpectedYield(); ey != nil {
			unrealized += ey.ToFloat()
		}
	}

	snap.Balance = snap.Equity - unrealized
	snap.FreeMargin = cash
	if used := snap.Equity - cash; used > 0 {
		snap.MarginUsed = used
	}
	return snap, nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]broker.Position, error) {
	p, err := g.portfolio(ctx)
	if err != nil {
		return nil, err
	}

	var out []broker.Position
	for _, pos := range p.GetPositions() {
		if pos.GetInstrumentType() == "currency" {
			continue
		}
		var lots float64
		if q := pos.GetQuantityLots(); q != nil {
			lots = q.ToFloat()
		}
		if lots == 0 {
			continue
		}

		dir := broker.Long
		if lots < 0 {
			dir = broker.Short
		}
		uid := pos.GetInstrumentUid()
		bp := broker.Position{
			Ticket:    ticket(uid, dir),
			Direction: dir,
			Volume:    math.Abs(lots),
		}
		if ticker, err := g.tickerFor(ctx, uid); err == nil {
			bp.Symbol = ticker
		}
		if ap := pos.GetAveragePositionPrice(); ap != nil {
			bp.OpenPrice = ap.ToFloat()
		}
		if cp := pos.GetCurrentPrice(); cp != nil {
			bp.CurrentPrice = cp.ToFloat()
		}
		if ey := pos.GetExpectedYield(); ey != nil {
			bp.Profit = ey.ToFloat()
		}
		out = append(out, bp)
	}
	return out, nil
}
