package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/storage"
)

const volumeEpsilon = 1e-9

type ReconcileReport struct {
	// Closed are ledger trades the venue no longer holds, now booked closed.
	Closed []storage.Trade
	// Orphans are venue positions (or leftover volume) the ledger does not know.
	Orphans []broker.Position
	// Mismatched are ledger trades whose venue position is only partly there.
	Mismatched []string
}

func (r ReconcileReport) Clean() bool {
	return len(r.Closed) == 0 && len(r.Orphans) == 0 && len(r.Mismatched) == 0
}

// Reconcile matches open ledger trades to venue positions by ticket. Some
// venues net several trades into one position per ticket, so each ticket
// carries a volume budget that trades consume oldest first.
func (e *Executor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	positions, err := e.gw.ListOpenPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("list venue positions: %w", err)
	}
	open, err := e.OpenTrades(ctx)
	if err != nil {
		return report, fmt.Errorf("list open trades: %w", err)
	}

	budget := make(map[string]float64, len(positions))
	byTicket := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		budget[p.Ticket] += p.Volume
		byTicket[p.Ticket] = p
	}

	for _, t := range open {
		left := budget[t.BrokerTicket]
		switch {
		case left >= t.Volume-volumeEpsilon:
			budget[t.BrokerTicket] = left - t.Volume
		case left <= volumeEpsilon:
			// nothing left at the venue, so the close below cannot touch another trade
			closed, err := e.Close(ctx, t, storage.ReasonVenue)
			if err != nil {
				e.logger.Error("reconcile close failed", "trade", t.ID, "error", err)
				continue
			}
			report.Closed = append(report.Closed, *closed)
		default:
			report.Mismatched = append(report.Mismatched, t.ID)
			budget[t.BrokerTicket] = 0
		}
	}

	for ticket, left := range budget {
		if left > volumeEpsilon {
			p := byTicket[ticket]
			p.Volume = left
			report.Orphans = append(report.Orphans, p)
		}
	}

	if len(report.Orphans) > 0 || len(report.Mismatched) > 0 {
		tickets := make([]string, 0, len(report.Orphans))
		for _, p := range report.Orphans {
			tickets = append(tickets, p.Ticket)
		}
		e.logger.Warn("reconcile mismatch", "orphans", tickets, "mismatched", report.Mismatched)
		e.notifier.Notify(notify.New(notify.ReconcileMismatch, notify.SeverityWarning,
			"ledger and venue disagree",
			"orphans", strings.Join(tickets, ","), "mismatched", strings.Join(report.Mismatched, ",")))
	}
	return report, nil
}
