// Package market turns raw bars and account state into the fixed-length
// observation vector the policy consumes.
package market

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/camuig/rl-trader/internal/broker"
)

const (
	smaPeriod = 20
	rsiPeriod = 14
	atrPeriod = 14

	// MinLookback is the shortest window every indicator can be computed on.
	MinLookback = smaPeriod + 1

	featureClamp = 10.0
)

// Feature positions in Observation.Vector.
const (
	FeatOpenZ = iota
	FeatHighZ
	FeatLowZ
	FeatCloseZ
	FeatVolumeZ
	FeatCloseToSMA
	FeatVolatility
	FeatReturn
	FeatRSI
	FeatATR
	FeatPosition
	FeatEquityRatio

	FeatureCount
)

var ErrInsufficientHistory = errors.New("insufficient history")

// PositionSummary counts the open trades by side.
type PositionSummary struct {
	Long  int
	Short int
}

func (p PositionSummary) Total() int {
	return p.Long + p.Short
}

// Observation is recomputed every cycle and is only persisted inside
// experience records.
type Observation struct {
	Vector []float64
	Price  float64
	ATR    float64
	Time   time.Time
}

type Builder struct {
	lookback int
}

func NewBuilder(lookback int) *Builder {
	if lookback < MinLookback {
		lookback = MinLookback
	}
	return &Builder{lookback: lookback}
}

func (b *Builder) Lookback() int {
	return b.lookback
}

// Build is deterministic: the same inputs always produce the same vector.
func (b *Builder) Build(bars []broker.Bar, acct broker.AccountSnapshot, pos PositionSummary) (Observation, error) {
	if len(bars) < b.lookback {
		return Observation{}, fmt.Errorf("have %d bars, need %d: %w", len(bars), b.lookback, ErrInsufficientHistory)
	}
	window := bars[len(bars)-b.lookback:]

	n := len(window)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, bar := range window {
		opens[i] = bar.Open
		highs[i] = bar.High
		lows[i] = bar.Low
		closes[i] = bar.Close
		volumes[i] = bar.Volume
	}

	last := window[n-1]
	sma := lastValue(talib.Sma(closes, smaPeriod))
	std := lastValue(talib.StdDev(closes, smaPeriod, 1))
	volSMA := lastValue(talib.Sma(volumes, smaPeriod))
	volStd := lastValue(talib.StdDev(volumes, smaPeriod, 1))
	rsi := lastValue(talib.Rsi(closes, rsiPeriod))
	atr := lastValue(talib.Atr(highs, lows, closes, atrPeriod))

	vec := make([]float64, FeatureCount)
	vec[FeatOpenZ] = zscore(last.Open, sma, std)
	vec[FeatHighZ] = zscore(last.High, sma, std)
	vec[FeatLowZ] = zscore(last.Low, sma, std)
	vec[FeatCloseZ] = zscore(last.Close, sma, std)
	vec[FeatVolumeZ] = zscore(last.Volume, volSMA, volStd)
	vec[FeatCloseToSMA] = ratio(last.Close, sma) - 1
	vec[FeatVolatility] = ratio(std, sma)
	vec[FeatReturn] = ratio(last.Close, closes[n-2]) - 1
	vec[FeatRSI] = rsi / 100
	vec[FeatATR] = ratio(atr, last.Close)
	if total := pos.Total(); total > 0 {
		vec[FeatPosition] = float64(pos.Long-pos.Short) / float64(total)
	}
	vec[FeatEquityRatio] = 1
	if acct.Balance > 0 {
		vec[FeatEquityRatio] = acct.Equity / acct.Balance
	}

	for i, v := range vec {
		vec[i] = clamp(v)
	}

	return Observation{Vector: vec, Price: last.Close, ATR: atr, Time: last.Time}, nil
}

// ATR is the average true range over the last period bars, 0 when there
// is not enough history.
func ATR(bars []broker.Bar, period int) float64 {
	if period < 1 || len(bars) <= period {
		return 0
	}
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i] = bar.High
		lows[i] = bar.Low
		closes[i] = bar.Close
	}
	return lastValue(talib.Atr(highs, lows, closes, period))
}

func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func zscore(x, mean, std float64) float64 {
	if std <= 1e-12 {
		return 0
	}
	return (x - mean) / std
}

func ratio(a, b float64) float64 {
	if math.Abs(b) <= 1e-12 {
		return 0
	}
	return a / b
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0
	case v > featureClamp:
		return featureClamp
	case v < -featureClamp:
		return -featureClamp
	}
	return v
}
