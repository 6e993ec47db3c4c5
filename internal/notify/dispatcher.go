package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/rl-trader/internal/logger"
)

type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type delivery struct {
	n        Notification
	sink     Sink
	attempts int
}

// Dispatcher keeps an outbox of undelivered (notification, sink) pairs
// and retries each until it succeeds or runs out of attempts.
type Dispatcher struct {
	sinks       []Sink
	maxAttempts int
	interval    time.Duration
	logger      *logger.Logger

	mu      sync.Mutex
	pending []*delivery

	flushMu sync.Mutex
	wake    chan struct{}
}

func NewDispatcher(maxAttempts int, interval time.Duration, log *logger.Logger, sinks ...Sink) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		sinks:       sinks,
		maxAttempts: maxAttempts,
		interval:    interval,
		logger:      log.With("component", "notify"),
		wake:        make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Notify(n Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	d.logger.Info("notification", "category", n.Category, "severity", n.Severity, "message", n.Message)

	d.mu.Lock()
	for _, s := range d.sinks {
		d.pending = append(d.pending, &delivery{n: n, sink: s})
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued notifications until ctx is done, then makes one
// last bounded attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), d.interval)
			d.Flush(final)
			cancel()
			return nil
		case <-d.wake:
			d.Flush(ctx)
		case <-ticker.C:
			d.Flush(ctx)
		}
	}
}

// Flush tries every pending delivery once and returns how many remain.
func (d *Dispatcher) Flush(ctx context.Context) int {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	var retry []*delivery
	for i, dl := range batch {
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			break
		}
		dl.attempts++
		err := dl.sink.Send(ctx, dl.n)
		if err == nil {
			continue
		}
		if dl.attempts >= d.maxAttempts {
			d.logger.Error("notification dropped after retries",
				"sink", dl.sink.Name(), "category", dl.n.Category, "attempts", dl.attempts, "error", err)
			continue
		}
		d.logger.Warn("notification delivery failed", "sink", dl.sink.Name(), "attempt", dl.attempts, "error", err)
		retry = append(retry, dl)
	}

	d.mu.Lock()
	d.pending = append(retry, d.pending...)
	n := len(d.pending)
	d.mu.Unlock()
	return n
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
