package tinkoff

import (
	"context"
	"fmt"
	"time"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/rl-trader/internal/broker"
)

var intervals = map[string]struct {
	interval pb.CandleInterval
	step     time.Duration
}{
	"1m":  {pb.CandleInterval_CANDLE_INTERVAL_1_MIN, time.Minute},
	"5m":  {pb.CandleInterval_CANDLE_INTERVAL_5_MIN, 5 * time.Minute},
	"15m": {pb.CandleInterval_CANDLE_INTERVAL_15_MIN, 15 * time.Minute},
	"1h":  {pb.CandleInterval_CANDLE_INTERVAL_HOUR, time.Hour},
	"1d":  {pb.CandleInterval_CANDLE_INTERVAL_DAY, 24 * time.Hour},
}

// FetchObservationInputs returns the last lookback completed bars and the
// top of the order book. A symbol that is not tradable right now yields
// broker.ErrDataUnavailable.
func (g *Gateway) FetchObservationInputs(ctx context.Context, symbol string, lookback int) (*broker.MarketInputs, error) {
	client, err := g.conn()
	if err != nil {
		return nil, err
	}
	uid, err := g.uidFor(ctx, symbol)
	if err != nil {
		return nil, err
	}

	tradable, err := g.isTradable(ctx, client, uid)
	if err != nil {
		return nil, err
	}
	if !tradable {
		return nil, fmt.Errorf("%s not tradable: %w", symbol, broker.ErrDataUnavailable)
	}

	iv, ok := intervals[g.cfg.CandleInterval]
	if !ok {
		iv = intervals["1m"]
	}

	now := time.Now()
	// weekends and session breaks leave gaps, so ask for a wider window
	from := now.Add(-time.Duration(lookback*3) * iv.step)
	if iv.step < time.Hour {
		from = now.Add(-24 * time.Hour)
	}

	md := client.NewMarketDataServiceClient()
	resp, err := do(ctx, func() (*investgo.GetCandlesResponse, error) {
		return md.GetCandles(uid, iv.interval, from, now, pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("get candles %s: %w", symbol, err)
	}

	bars := toBars(resp.GetCandles())
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}

	book, err := do(ctx, func() (*investgo.GetOrderBookResponse, error) {
		return md.GetOrderBook(uid, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("get order book %s: %w", symbol, err)
	}
	bids, asks := book.GetBids(), book.GetAsks()
	if len(bids) == 0 || len(asks) == 0 {
		return nil, fmt.Errorf("%s empty order book: %w", symbol, broker.ErrDataUnavailable)
	}

	return &broker.MarketInputs{
		Symbol: symbol,
		Bars:   bars,
		Quote: broker.Quote{
			Bid:  bids[0].GetPrice().ToFloat(),
			Ask:  asks[0].GetPrice().ToFloat(),
			Time: now,
		},
	}, nil
}

func toBars(candles []*pb.HistoricCandle) []broker.Bar {
	bars := make([]broker.Bar, 0, len(candles))
	for _, c := range candles {
		if !c.GetIsComplete() {
			continue
		}
		bars = append(bars, broker.Bar{
			Time:   c.GetTime().AsTime(),
			Open:   c.GetOpen().ToFloat(),
			High:   c.GetHigh().ToFloat(),
			Low:    c.GetLow().ToFloat(),
			Close:  c.GetClose().ToFloat(),
			Volume: float64(c.GetVolume()),
		})
	}
	return bars
}

func (g *Gateway) isTradable(ctx context.Context, client *investgo.Client, uid string) (bool, error) {
	md := client.NewMarketDataServiceClient()
	resp, err := do(ctx, func() (*investgo.GetTradingStatusesResponse, error) {
		return md.GetTradingStatuses([]string{uid})
	})
	if err != nil {
		return false, fmt.Errorf("trading status: %w", err)
	}

	for _, s := range resp.GetTradingStatuses() {
		if s.GetInstrumentUid() == uid {
			return s.GetApiTradeAvailableFlag() && s.GetMarketOrderAvailableFlag(), nil
		}
	}
	return false, nil
}

func (g *Gateway) lastPrice(ctx context.Context, client *investgo.Client, uid string) (float64, error) {
	md := client.NewMarketDataServiceClient()
	resp, err := do(ctx, func() (*investgo.GetLastPricesResponse, error) {
		return md.GetLastPrices([]string{uid})
	})
	if err != nil {
		return 0, fmt.Errorf("last price: %w", err)
	}
	for _, p := range resp.GetLastPrices() {
		if p.GetInstrumentUid() == uid {
			return p.GetPrice().ToFloat(), nil
		}
	}
	return 0, fmt.Errorf("no last price for %s: %w", uid, broker.ErrDataUnavailable)
}
