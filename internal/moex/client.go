// Package moex reads historical candles from the Moscow Exchange ISS API
// and replays them into the paper venue.
package moex

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/logger"
)

const (
	DefaultBaseURL = "https://iss.moex.com/iss"
	// ISS caps a candles page at this many rows.
	pageSize = 500
	maxPages = 200
)

// ISS reports candle times in Moscow time, which has no DST.
var msk = time.FixedZone("MSK", 3*60*60)

type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

func NewClient(baseURL string, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetQueryParam("iss.meta", "off")
	return &Client{http: http, logger: log.With("component", "moex")}
}

type issCandles struct {
	Candles struct {
		Columns []string `json:"columns"`
		Data    [][]any  `json:"data"`
	} `json:"candles"`
}

// Intervals accepted by ISS, in minutes. 24 is daily.
var intervals = map[time.Duration]int{
	time.Minute:      1,
	10 * time.Minute: 10,
	time.Hour:        60,
	24 * time.Hour:   24,
}

// Candles fetches share candles for secid on the TQBR board between from
// and till, oldest first.
func (c *Client) Candles(ctx context.Context, secid string, interval time.Duration, from, till time.Time) ([]broker.Bar, error) {
	code, ok := intervals[interval]
	if !ok {
		return nil, fmt.Errorf("moex: unsupported candle interval %s", interval)
	}

	var bars []broker.Bar
	for page := 0; page < maxPages; page++ {
		var body issCandles
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("secid", secid).
			SetQueryParams(map[string]string{
				"from":     from.In(msk).Format("2006-01-02 15:04:05"),
				"till":     till.In(msk).Format("2006-01-02 15:04:05"),
				"interval": fmt.Sprint(code),
				"start":    fmt.Sprint(page * pageSize),
			}).
			SetResult(&body).
			Get("/engines/stock/markets/shares/boards/TQBR/securities/{secid}/candles.json")
		if err != nil {
			return nil, fmt.Errorf("fetch candles for %s: %w", secid, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("moex ISS returned %s", resp.Status())
		}

		rows, err := parseCandles(body)
		if err != nil {
			return nil, fmt.Errorf("parse candles for %s: %w", secid, err)
		}
		bars = append(bars, rows...)
		if len(rows) < pageSize {
			break
		}
	}

	c.logger.Info("candles loaded", "secid", secid, "interval", interval.String(), "bars", len(bars))
	return bars, nil
}

func parseCandles(body issCandles) ([]broker.Bar, error) {
	idx := make(map[string]int, len(body.Candles.Columns))
	for i, col := range body.Candles.Columns {
		idx[col] = i
	}
	for _, col := range []string{"open", "close", "high", "low", "volume", "begin"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	out := make([]broker.Bar, 0, len(body.Candles.Data))
	for _, row := range body.Candles.Data {
		if len(row) < len(body.Candles.Columns) {
			continue
		}
		begin, _ := row[idx["begin"]].(string)
		at, err := time.ParseInLocation("2006-01-02 15:04:05", begin, msk)
		if err != nil {
			return nil, fmt.Errorf("bad candle time %q: %w", begin, err)
		}
		bar := broker.Bar{
			Time:   at.UTC(),
			Open:   toFloat64(row[idx["open"]]),
			High:   toFloat64(row[idx["high"]]),
			Low:    toFloat64(row[idx["low"]]),
			Close:  toFloat64(row[idx["close"]]),
			Volume: toFloat64(row[idx["volume"]]),
		}
		if bar.Close == 0 {
			continue // suspended trading
		}
		out = append(out, bar)
	}
	return out, nil
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
