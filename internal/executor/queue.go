package executor

import (
	"context"
	"sync"

	"github.com/camuig/rl-trader/internal/storage"
)

// WriteQueue holds trade rows the ledger refused. The newest version of a
// trade replaces an older queued one; insertion order is kept.
type WriteQueue struct {
	mu     sync.Mutex
	order  []string
	trades map[string]storage.Trade
}

func NewWriteQueue() *WriteQueue {
	return &WriteQueue{trades: make(map[string]storage.Trade)}
}

func (q *WriteQueue) Push(t storage.Trade) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.trades[t.ID]; !ok {
		q.order = append(q.order, t.ID)
	}
	q.trades[t.ID] = t
}

func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *WriteQueue) Snapshot() []storage.Trade {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]storage.Trade, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.trades[id])
	}
	return out
}

func (q *WriteQueue) HasDecision(decisionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.trades {
		if t.DecisionID == decisionID {
			return true
		}
	}
	return false
}

// removeIf drops id only if the queued copy is still the one that was
// written, so a newer push is not lost.
func (q *WriteQueue) removeIf(t storage.Trade) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.trades[t.ID]
	if !ok || cur.Status != t.Status {
		return
	}
	delete(q.trades, t.ID)
	for i, id := range q.order {
		if id == t.ID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Flush writes queued rows in order and stops at the first failure.
func (q *WriteQueue) Flush(ctx context.Context, save func(ctx context.Context, t *storage.Trade) error) (int, error) {
	written := 0
	for _, t := range q.Snapshot() {
		t := t
		if err := save(ctx, &t); err != nil {
			return written, err
		}
		q.removeIf(t)
		written++
	}
	return written, nil
}
