package moex

import (
	"sync"
	"time"

	"github.com/camuig/rl-trader/internal/broker"
)

// Replay feeds recorded bars to the paper venue one at a time. Once the
// recording runs out the market stalls: every further bar is flat at the
// last close.
type Replay struct {
	mu   sync.Mutex
	bars []broker.Bar
	next int
	step time.Duration
}

func NewReplay(bars []broker.Bar) *Replay {
	r := &Replay{bars: bars, step: time.Minute}
	if n := len(bars); n > 1 {
		if d := bars[n-1].Time.Sub(bars[n-2].Time); d > 0 {
			r.step = d
		}
	}
	return r
}

func (r *Replay) Next(symbol string, last broker.Bar) broker.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next < len(r.bars) {
		bar := r.bars[r.next]
		r.next++
		return bar
	}

	price := last.Close
	at := last.Time
	if len(r.bars) > 0 {
		tail := r.bars[len(r.bars)-1]
		if price == 0 {
			price = tail.Close
		}
		if at.IsZero() {
			at = tail.Time
		}
	}
	return broker.Bar{
		Time:  at.Add(r.step),
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}

// Remaining reports how many recorded bars have not been replayed yet.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bars) - r.next
}
