package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

const weightClip = 50.0

// LinearStrategy is a softmax policy over a linear score per action,
// trained with REINFORCE against a running reward baseline.
type LinearStrategy struct {
	features int
	weights  [numActions][]float64 // last column is the bias
	baseline float64
}

type linearParams struct {
	Features int                   `json:"features"`
	Weights  [numActions][]float64 `json:"weights"`
	Baseline float64               `json:"baseline"`
}

// NewLinear starts with zero weights, which decides Hold until trained.
func NewLinear(features int) *LinearStrategy {
	s := &LinearStrategy{features: features}
	for a := range s.weights {
		s.weights[a] = make([]float64, features+1)
	}
	return s
}

func (s *LinearStrategy) Name() string { return "linear" }

func (s *LinearStrategy) probs(obs []float64) []float64 {
	logits := make([]float64, numActions)
	maxLogit := math.Inf(-1)
	for a := range s.weights {
		w := s.weights[a]
		z := w[s.features]
		for i := 0; i < s.features; i++ {
			z += w[i] * obs[i]
		}
		logits[a] = z
		maxLogit = math.Max(maxLogit, z)
	}

	var sum float64
	for a, z := range logits {
		logits[a] = math.Exp(z - maxLogit)
		sum += logits[a]
	}
	for a := range logits {
		logits[a] /= sum
	}
	return logits
}

func (s *LinearStrategy) Decide(obs []float64) (Decision, error) {
	if len(obs) != s.features {
		return Decision{}, fmt.Errorf("observation has %d features, want %d", len(obs), s.features)
	}
	return argmax(s.probs(obs)), nil
}

func (s *LinearStrategy) Train(ctx context.Context, batch []Sample, cfg TrainConfig) (TrainStats, error) {
	stats := TrainStats{Samples: len(batch)}
	if len(batch) == 0 {
		return stats, nil
	}
	for i, smp := range batch {
		if len(smp.Obs) != s.features || !smp.Action.Valid() {
			return stats, fmt.Errorf("sample %d: bad shape or action", i)
		}
		stats.MeanReward += smp.Reward
	}
	stats.MeanReward /= float64(len(batch))

	lr := cfg.LearningRate
	if lr <= 0 {
		lr = 0.01
	}
	steps := cfg.Timesteps
	if steps <= 0 {
		steps = len(batch)
	}

	for step := 0; step < steps; step++ {
		if step%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		smp := batch[step%len(batch)]
		advantage := smp.Reward - s.baseline
		s.baseline += 0.01 * (smp.Reward - s.baseline)

		p := s.probs(smp.Obs)
		for a := range s.weights {
			grad := -p[a]
			if Action(a) == smp.Action {
				grad += 1
			}
			scale := lr * advantage * grad
			w := s.weights[a]
			for i := 0; i < s.features; i++ {
				w[i] = clip(w[i] + scale*smp.Obs[i])
			}
			w[s.features] = clip(w[s.features] + scale)
		}
		stats.Steps++
	}
	return stats, nil
}

func (s *LinearStrategy) Clone() Strategy {
	c := &LinearStrategy{features: s.features, baseline: s.baseline}
	for a := range s.weights {
		c.weights[a] = append([]float64(nil), s.weights[a]...)
	}
	return c
}

func (s *LinearStrategy) Params() ([]byte, error) {
	return json.Marshal(linearParams{Features: s.features, Weights: s.weights, Baseline: s.baseline})
}

func (s *LinearStrategy) SetParams(data []byte) error {
	var p linearParams
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode linear params: %w", err)
	}
	if p.Features != s.features {
		return fmt.Errorf("checkpoint has %d features, want %d", p.Features, s.features)
	}
	for a := range p.Weights {
		if len(p.Weights[a]) != s.features+1 {
			return fmt.Errorf("checkpoint weights for %s have length %d", Action(a), len(p.Weights[a]))
		}
	}
	s.weights = p.Weights
	s.baseline = p.Baseline
	return nil
}

func clip(v float64) float64 {
	return math.Max(-weightClip, math.Min(weightClip, v))
}
