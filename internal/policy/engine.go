package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/rl-trader/internal/checkpoint"
	"github.com/camuig/rl-trader/internal/logger"
)

var ErrDegraded = errors.New("policy is running on the hold fallback")

type Options struct {
	// Key names the checkpoint series, usually the traded symbol.
	Key string
	// FallbackHold lets the engine start on HoldStrategy when the
	// checkpoint cannot be restored instead of failing.
	FallbackHold bool
	// RollbackVersion pins Load to an exact version when non-zero.
	RollbackVersion uint64
}

type Info struct {
	Strategy string    `json:"strategy"`
	Version  uint64    `json:"version"`
	Steps    int64     `json:"steps"`
	Degraded bool      `json:"degraded"`
	SavedAt  time.Time `json:"saved_at,omitempty"`
}

// Engine owns the live strategy. Decide takes a read lock, so decisions
// proceed while a clone is trained elsewhere and swapped in atomically.
type Engine struct {
	mu       sync.RWMutex
	strategy Strategy
	version  uint64
	steps    int64
	dirty    bool
	degraded bool
	savedAt  time.Time

	store  checkpoint.Store
	opts   Options
	logger *logger.Logger
}

func NewEngine(strategy Strategy, store checkpoint.Store, opts Options, log *logger.Logger) *Engine {
	return &Engine{
		strategy: strategy,
		store:    store,
		opts:     opts,
		logger:   log.With("component", "policy", "key", opts.Key),
	}
}

// Load restores the newest checkpoint, or the pinned rollback version.
// A missing series starts fresh.
func (e *Engine) Load(ctx context.Context) error {
	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if e.opts.RollbackVersion > 0 {
		cp, err = e.store.Get(ctx, e.opts.Key, e.opts.RollbackVersion)
	} else {
		cp, err = e.store.Latest(ctx, e.opts.Key)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if errors.Is(err, checkpoint.ErrNotFound) && e.opts.RollbackVersion == 0 {
		e.logger.Warn("no checkpoint found, starting from fresh parameters", "strategy", e.strategy.Name())
		e.dirty = true
		return nil
	}
	if err == nil {
		err = e.restore(cp)
	}
	if err == nil {
		e.logger.Info("policy restored", "strategy", cp.Strategy, "version", cp.Version, "steps", cp.Steps)
		return nil
	}

	if !e.opts.FallbackHold {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	e.logger.Error("policy load failed, falling back to hold", "error", err)
	e.strategy = HoldStrategy{}
	e.degraded = true
	return nil
}

func (e *Engine) restore(cp *checkpoint.Checkpoint) error {
	if cp.Strategy != e.strategy.Name() {
		return fmt.Errorf("checkpoint v%d is for strategy %q, running %q", cp.Version, cp.Strategy, e.strategy.Name())
	}
	next := e.strategy.Clone()
	if err := next.SetParams(cp.Params); err != nil {
		return err
	}
	e.strategy = next
	e.version = cp.Version
	e.steps = cp.Steps
	e.savedAt = cp.CreatedAt
	e.dirty = false
	return nil
}

// Decide is a pure function of the observation and current parameters.
func (e *Engine) Decide(obs []float64) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy.Decide(obs)
}

// Train fits a copy of the live strategy and swaps it in on success.
func (e *Engine) Train(ctx context.Context, batch []Sample, cfg TrainConfig) (TrainStats, error) {
	e.mu.RLock()
	if e.degraded {
		e.mu.RUnlock()
		return TrainStats{}, ErrDegraded
	}
	candidate := e.strategy.Clone()
	e.mu.RUnlock()

	stats, err := candidate.Train(ctx, batch, cfg)
	if err != nil {
		return stats, err
	}

	e.mu.Lock()
	e.strategy = candidate
	e.steps += stats.Steps
	e.dirty = true
	e.mu.Unlock()

	e.logger.Info("policy trained", "samples", stats.Samples, "steps", stats.Steps, "mean_reward", stats.MeanReward)
	return stats, nil
}

// Save writes a new checkpoint version if parameters changed since the
// last save. The hold fallback is never persisted.
func (e *Engine) Save(ctx context.Context) (uint64, error) {
	e.mu.RLock()
	if e.degraded || !e.dirty {
		v := e.version
		e.mu.RUnlock()
		return v, nil
	}
	params, err := e.strategy.Params()
	cp := checkpoint.Checkpoint{
		Key:       e.opts.Key,
		Version:   e.version + 1,
		Strategy:  e.strategy.Name(),
		Params:    params,
		Steps:     e.steps,
		CreatedAt: time.Now().UTC(),
	}
	e.mu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("export params: %w", err)
	}

	if err := e.store.Put(ctx, cp); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}

	e.mu.Lock()
	if cp.Version > e.version {
		e.version = cp.Version
		e.savedAt = cp.CreatedAt
		// a Train that landed after the export keeps the engine dirty
		e.dirty = e.steps != cp.Steps
	}
	e.mu.Unlock()

	e.logger.Info("checkpoint saved", "version", cp.Version, "steps", cp.Steps)
	return cp.Version, nil
}

func (e *Engine) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info{
		Strategy: e.strategy.Name(),
		Version:  e.version,
		Steps:    e.steps,
		Degraded: e.degraded,
		SavedAt:  e.savedAt,
	}
}

func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}
