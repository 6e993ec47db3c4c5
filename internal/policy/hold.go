package policy

import "context"

// HoldStrategy never trades. It is the safe fallback when no model loads.
type HoldStrategy struct{}

func (HoldStrategy) Name() string { return "hold" }

func (HoldStrategy) Decide([]float64) (Decision, error) {
	return Decision{Action: Hold, Confidence: 1}, nil
}

func (HoldStrategy) Train(ctx context.Context, batch []Sample, _ TrainConfig) (TrainStats, error) {
	return TrainStats{Samples: len(batch)}, nil
}

func (h HoldStrategy) Clone() Strategy { return h }

func (HoldStrategy) Params() ([]byte, error) { return []byte("{}"), nil }

func (HoldStrategy) SetParams([]byte) error { return nil }
