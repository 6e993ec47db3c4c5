package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/camuig/rl-trader/internal/app"
)

func newReportCmd() *cobra.Command {
	var days, runs int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print trade statistics, open trades and recent training runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}
			a, err := app.Open(configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			to := time.Now().UTC()
			from := to.Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))

			stats, err := a.Ledger.Stats(ctx, from, to)
			if err != nil {
				return fmt.Errorf("trade stats: %w", err)
			}
			fmt.Fprintf(out, "Trades closed since %s:\n", from.Format("2006-01-02"))
			fmt.Fprintf(out, "  total %d, wins %d, losses %d, win rate %.1f%%\n",
				stats.Total, stats.Wins, stats.Losses, stats.WinRate()*100)
			fmt.Fprintf(out, "  profit sum %.2f, avg %.2f, best %.2f, worst %.2f\n\n",
				stats.ProfitSum, stats.ProfitAvg, stats.ProfitMax, stats.ProfitMin)

			open, err := a.Ledger.OpenTrades(ctx)
			if err != nil {
				return fmt.Errorf("open trades: %w", err)
			}
			fmt.Fprintf(out, "Open trades: %d\n", len(open))
			for _, t := range open {
				fmt.Fprintf(out, "  %s %s %s %.2f @ %.2f, sl %.2f, since %s\n",
					t.ID, t.Symbol, t.Direction, t.Volume, t.OpenPrice, t.StopLoss, t.OpenTime.Format(time.RFC3339))
			}

			history, err := a.Ledger.RecentTrainingRuns(ctx, runs)
			if err != nil {
				return fmt.Errorf("training runs: %w", err)
			}
			fmt.Fprintf(out, "\nTraining runs:\n")
			if len(history) == 0 {
				fmt.Fprintln(out, "  none")
			}
			for _, r := range history {
				status := "ok"
				if r.Error != "" {
					status = r.Error
				}
				fmt.Fprintf(out, "  %s %s v%d: %d samples, %d steps, mean reward %.4f, %s\n",
					r.CreatedAt.Format(time.RFC3339), r.Strategy, r.Version, r.Samples, r.Steps, r.MeanReward, status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of UTC days to aggregate, today included")
	cmd.Flags().IntVar(&runs, "runs", 5, "number of training runs to list")
	return cmd
}
