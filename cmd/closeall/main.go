package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/camuig/rl-trader/internal/app"
	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	flag.Parse()

	a, err := app.Open(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	code := run(a, *dryRun)
	a.Close()
	os.Exit(code)
}

func run(a *app.App, dryRun bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := a.Gateway(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker init error: %v\n", err)
		return 1
	}
	if err := gw.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "broker connect error: %v\n", err)
		return 1
	}
	defer gw.Disconnect(context.Background())

	exec := a.Executor(gw, notify.Nop{}, nil)

	open, err := exec.OpenTrades(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger error: %v\n", err)
		return 1
	}
	positions, err := gw.ListOpenPositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list positions error: %v\n", err)
		return 1
	}

	if len(open) == 0 && len(positions) == 0 {
		fmt.Println("No open trades or positions.")
		return 0
	}

	fmt.Printf("Ledger: %d open trade(s)\n", len(open))
	for _, t := range open {
		fmt.Printf("  %s: %s %s %.2f @ %.2f (ticket %s)\n", t.ID, t.Symbol, t.Direction, t.Volume, t.OpenPrice, t.BrokerTicket)
	}
	fmt.Printf("Venue: %d position(s)\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  %s: %s %s %.2f @ %.2f, current %.2f, P&L %.2f\n",
			p.Ticket, p.Symbol, p.Direction, p.Volume, p.OpenPrice, p.CurrentPrice, p.Profit)
	}
	fmt.Println()

	if dryRun {
		fmt.Println("Dry run, no orders placed.")
		return 0
	}

	var failed, venueClosed int

	// ledger trades first so their profit is booked
	closed, err := exec.CloseAll(ctx, storage.ReasonShutdown)
	for _, t := range closed {
		fmt.Printf("  [OK]   trade %s closed @ %.2f\n", t.ID, *t.ClosePrice)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "  [FAIL] ledger trades: %v\n", err)
		failed++
	}

	// whatever the venue still holds is unknown to the ledger
	rest, err := gw.ListOpenPositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list positions error: %v\n", err)
		return 1
	}
	for _, p := range rest {
		res, err := gw.ClosePosition(ctx, broker.PositionRef{
			Ticket:    p.Ticket,
			Symbol:    p.Symbol,
			Direction: p.Direction,
			Volume:    p.Volume,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: close: %v\n", p.Ticket, err)
			failed++
			continue
		}
		fmt.Printf("  [OK]   %s: closed %.2f @ %.2f\n", p.Ticket, p.Volume, res.Price)
		venueClosed++
	}

	if _, err := exec.FlushQueue(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "  [FAIL] ledger writes pending: %v\n", err)
		failed++
	}

	fmt.Printf("\nDone: %d ledger trade(s) closed, %d venue position(s) closed, %d failure(s).\n",
		len(closed), venueClosed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}
