package paper

import (
	"math"
	"math/rand"
	"time"

	"github.com/camuig/rl-trader/internal/broker"
)

// Feed produces the next bar after last. A zero last bar starts a series.
type Feed interface {
	Next(symbol string, last broker.Bar) broker.Bar
}

// RandomWalk is a seeded geometric random walk.
type RandomWalk struct {
	rng        *rand.Rand
	start      float64
	volatility float64
	step       time.Duration
	origin     time.Time
}

func NewRandomWalk(seed int64, start, volatility float64, step time.Duration) *RandomWalk {
	if step <= 0 {
		step = time.Minute
	}
	return &RandomWalk{
		rng:        rand.New(rand.NewSource(seed)),
		start:      start,
		volatility: volatility,
		step:       step,
		origin:     time.Now().UTC().Truncate(step).Add(-500 * step),
	}
}

func (w *RandomWalk) Next(symbol string, last broker.Bar) broker.Bar {
	open := last.Close
	at := last.Time.Add(w.step)
	if last.Time.IsZero() {
		open = w.start
		at = w.origin
	}

	next := open * math.Exp(w.volatility*w.rng.NormFloat64())
	wick := math.Abs(w.rng.NormFloat64()) * w.volatility * open / 2

	return broker.Bar{
		Time:   at,
		Open:   open,
		High:   math.Max(open, next) + wick,
		Low:    math.Min(open, next) - wick,
		Close:  next,
		Volume: 1000 + math.Floor(w.rng.Float64()*500),
	}
}
