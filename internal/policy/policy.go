// Package policy maps observations to trading actions and trains the
// mapping offline from logged experience.
package policy

import (
	"context"
	"errors"
	"fmt"
)

type Action int

const (
	Hold Action = iota
	Buy
	Sell

	numActions = 3
)

func (a Action) String() string {
	switch a {
	case Hold:
		return "hold"
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a Action) Valid() bool {
	return a >= Hold && a <= Sell
}

func ParseAction(s string) (Action, error) {
	switch s {
	case "hold":
		return Hold, nil
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return Hold, fmt.Errorf("unknown action %q", s)
}

type Decision struct {
	Action     Action
	Confidence float64
}

// Sample is one training tuple. Next is kept for strategies that
// bootstrap from the following state.
type Sample struct {
	Obs    []float64
	Action Action
	Reward float64
	Next   []float64
}

type TrainConfig struct {
	Timesteps    int
	LearningRate float64
}

type TrainStats struct {
	Samples    int
	Steps      int64
	MeanReward float64
}

var (
	ErrModelLoad           = errors.New("policy model load failed")
	ErrTrainingUnsupported = errors.New("strategy does not support training")
)

// Strategy is a pluggable decision function. Decide must not mutate the
// receiver; Train may, and is only ever called on a clone.
type Strategy interface {
	Name() string
	Decide(obs []float64) (Decision, error)
	Train(ctx context.Context, batch []Sample, cfg TrainConfig) (TrainStats, error)
	Clone() Strategy
	Params() ([]byte, error)
	SetParams(data []byte) error
}

// argmax picks the most probable action. Hold wins ties, then Buy.
func argmax(probs []float64) Decision {
	best := Hold
	for a := Buy; a < numActions; a++ {
		if probs[a] > probs[best] {
			best = a
		}
	}
	return Decision{Action: best, Confidence: probs[best]}
}
