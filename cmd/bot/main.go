package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rl-trader",
	Short: "Reinforcement-learning trading bot",
	Long: `rl-trader runs a learned trading policy against a brokerage account.

Every cycle it builds an observation from recent bars, asks the policy for
an action, sizes it under the risk limits and executes it, recording the
outcome so the policy can be retrained offline.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.AddCommand(newRunCmd(), newTrainCmd(), newReportCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
