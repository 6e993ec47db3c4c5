package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camuig/rl-trader/internal/app"
	"github.com/camuig/rl-trader/internal/market"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/scheduler"
	"github.com/camuig/rl-trader/internal/web"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
	}
}

func runBot(parent context.Context) error {
	a, err := app.Open(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.Config, a.Logger

	log.Info("starting rl-trader", "mode", cfg.Mode, "symbol", cfg.Trading.Symbol, "strategy", cfg.Policy.Strategy)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := a.Gateway(ctx)
	if err != nil {
		return err
	}
	engine, err := a.Policy()
	if err != nil {
		return err
	}

	var hub *notify.Hub
	if cfg.Web.Enabled {
		hub = notify.NewHub(log)
	}
	dispatcher, err := a.Notifications(hub)
	if err != nil {
		return err
	}

	riskManager := a.Risk()
	exec := a.Executor(gw, dispatcher, riskManager)
	orch := scheduler.NewOrchestrator(gw, market.NewBuilder(cfg.Trading.Lookback), engine, riskManager, exec, a.Ledger, dispatcher,
		scheduler.Options{
			Symbol:                cfg.Trading.Symbol,
			Cadence:               cfg.DecisionCadence(),
			SnapshotInterval:      cfg.SnapshotInterval(),
			CheckpointInterval:    cfg.CheckpointInterval(),
			DrainTimeout:          cfg.DrainTimeout(),
			ReconcileEvery:        cfg.Trading.ReconcileEvery,
			MaxConnectionFailures: cfg.Trading.MaxConnectionFailures,
		}, log)

	// the dispatcher outlives the loop so the shutdown alert is delivered
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	var bg errgroup.Group
	bg.Go(func() error { return dispatcher.Run(notifyCtx) })

	var server *web.Server
	if cfg.Web.Enabled {
		server = web.NewServer(a.Ledger, orch, hub, cfg.Web.Port, log)
		bg.Go(server.Start)
	}

	runErr := orch.Run(ctx)
	if errors.Is(runErr, scheduler.ErrEscalated) {
		log.Error("trading stopped after repeated connection failures")
	} else if runErr != nil {
		log.Error("trading stopped with error", "error", runErr)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("web server shutdown error", "error", err)
		}
		cancel()
	}
	stopNotify()
	if err := bg.Wait(); err != nil {
		log.Error("background task error", "error", err)
	}
	if left := dispatcher.Pending(); left > 0 {
		log.Warn("notifications left undelivered", "count", left)
	}

	log.Info("rl-trader stopped")
	return runErr
}
