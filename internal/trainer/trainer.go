// Package trainer fits the policy offline from the experience the decision
// loop logged, then checkpoints the result.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/policy"
	"github.com/camuig/rl-trader/internal/storage"
)

var ErrNoSamples = errors.New("no labeled experience to train on")

type Config struct {
	BatchSize int
	Train     policy.TrainConfig
	Reward    policy.RewardConfig
}

type Trainer struct {
	engine *policy.Engine
	ledger *storage.Ledger
	cfg    Config
	logger *logger.Logger
}

func New(engine *policy.Engine, ledger *storage.Ledger, cfg Config, log *logger.Logger) *Trainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Trainer{engine: engine, ledger: ledger, cfg: cfg, logger: log.With("component", "trainer")}
}

// Samples turns logged decisions into training tuples. Decisions whose
// trade is still open have no outcome yet and are left out.
func Samples(batch []storage.LabeledExperience, reward policy.RewardConfig) []policy.Sample {
	out := make([]policy.Sample, 0, len(batch))
	for _, e := range batch {
		if len(e.Observation) == 0 {
			continue
		}
		action := policy.Action(e.Action)
		if !action.Valid() {
			continue
		}

		var r float64
		switch {
		case e.Trade == nil:
			r = reward.HoldReward()
		case e.Trade.Status == storage.StatusClosed && e.Trade.Profit != nil:
			r = reward.TradeReward(*e.Trade.Profit, e.Trade.CloseReason == storage.ReasonRiskFlatten)
		default:
			continue
		}
		out = append(out, policy.Sample{Obs: e.Observation, Action: action, Reward: r, Next: e.NextObservation})
	}
	return out
}

// Run trains once over the newest batch and records the run. A failed
// run is recorded too.
func (t *Trainer) Run(ctx context.Context) (*storage.TrainingRun, error) {
	started := time.Now()
	run := &storage.TrainingRun{Strategy: t.engine.Info().Strategy}

	stats, version, err := t.train(ctx)
	run.Samples = stats.Samples
	run.Steps = stats.Steps
	run.MeanReward = stats.MeanReward
	run.Version = version
	run.Duration = time.Since(started)
	if err != nil {
		run.Error = err.Error()
	}

	if serr := t.ledger.SaveTrainingRun(ctx, run); serr != nil {
		t.logger.Error("save training run", "error", serr)
		err = errors.Join(err, serr)
	}
	if err != nil {
		return run, err
	}

	t.logger.Info("training run complete", "version", version, "samples", stats.Samples,
		"steps", stats.Steps, "mean_reward", stats.MeanReward, "duration", run.Duration.String())
	return run, nil
}

func (t *Trainer) train(ctx context.Context) (policy.TrainStats, uint64, error) {
	batch, err := t.ledger.ExperienceBatch(ctx, t.cfg.BatchSize)
	if err != nil {
		return policy.TrainStats{}, 0, fmt.Errorf("read experience: %w", err)
	}
	samples := Samples(batch, t.cfg.Reward)
	if len(samples) == 0 {
		return policy.TrainStats{}, 0, ErrNoSamples
	}

	stats, err := t.engine.Train(ctx, samples, t.cfg.Train)
	if err != nil {
		return stats, 0, fmt.Errorf("train: %w", err)
	}
	version, err := t.engine.Save(ctx)
	if err != nil {
		return stats, 0, err
	}
	return stats, version, nil
}
