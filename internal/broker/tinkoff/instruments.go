package tinkoff

import (
	"context"
	"fmt"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
)

func (g *Gateway) tickerFor(ctx context.Context, uid string) (string, error) {
	if cached, ok := g.tickers.Load(uid); ok {
		return cached.(string), nil
	}
	client, err := g.conn()
	if err != nil {
		return "", err
	}

	instruments := client.NewInstrumentsServiceClient()
	resp, err := do(ctx, func() (*investgo.InstrumentResponse, error) {
		return instruments.InstrumentByUid(uid)
	})
	if err != nil {
		return "", fmt.Errorf("instrument by uid %s: %w", uid, err)
	}

	ticker := resp.GetInstrument().GetTicker()
	g.remember(ticker, uid)
	return ticker, nil
}

// uidFor resolves a ticker to its instrument UID.
func (g *Gateway) uidFor(ctx context.Context, ticker string) (string, error) {
	if cached, ok := g.uids.Load(ticker); ok {
		return cached.(string), nil
	}
	client, err := g.conn()
	if err != nil {
		return "", err
	}

	instruments := client.NewInstrumentsServiceClient()
	resp, err := do(ctx, func() (*investgo.FindInstrumentResponse, error) {
		return instruments.FindInstrument(ticker)
	})
	if err != nil {
		return "", fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	for _, inst := range resp.GetInstruments() {
		if inst.GetTicker() == ticker && inst.GetApiTradeAvailableFlag() {
			g.remember(ticker, inst.GetUid())
			return inst.GetUid(), nil
		}
	}
	for _, inst := range resp.GetInstruments() {
		if inst.GetTicker() == ticker {
			g.remember(ticker, inst.GetUid())
			return inst.GetUid(), nil
		}
	}

	return "", fmt.Errorf("instrument not found: %s", ticker)
}

func (g *Gateway) remember(ticker, uid string) {
	g.uids.Store(ticker, uid)
	g.tickers.Store(uid, ticker)
}
