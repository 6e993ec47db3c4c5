package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camuig/rl-trader/internal/app"
	"github.com/camuig/rl-trader/internal/policy"
	"github.com/camuig/rl-trader/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	var timesteps, batch int

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the policy offline from recorded experience and save a new checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config

			engine, err := a.Policy()
			if err != nil {
				return err
			}
			if err := engine.Load(cmd.Context()); err != nil {
				return err
			}

			tc := trainer.Config{
				BatchSize: cfg.Policy.BatchSize,
				Train: policy.TrainConfig{
					Timesteps:    cfg.Policy.TrainingTimesteps,
					LearningRate: cfg.Policy.LearningRate,
				},
				Reward: policy.RewardConfig{
					Scale:       cfg.Policy.Reward.Scale,
					RiskPenalty: cfg.Policy.Reward.RiskPenalty,
					HoldPenalty: cfg.Policy.Reward.HoldPenalty,
					TradeCost:   cfg.Policy.Reward.TradeCost,
				},
			}
			if timesteps > 0 {
				tc.Train.Timesteps = timesteps
			}
			if batch > 0 {
				tc.BatchSize = batch
			}

			run, err := trainer.New(engine, a.Ledger, tc, a.Logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint v%d: %d samples, %d steps, mean reward %.4f (%s)\n",
				run.Version, run.Samples, run.Steps, run.MeanReward, run.Duration)
			return nil
		},
	}
	cmd.Flags().IntVar(&timesteps, "timesteps", 0, "override policy.training_timesteps")
	cmd.Flags().IntVar(&batch, "batch", 0, "override policy.batch_size")
	return cmd
}
