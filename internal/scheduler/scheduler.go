// Package scheduler drives the decision loop: one cycle at a time, with
// snapshot and checkpoint tasks running beside it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/executor"
	"github.com/camuig/rl-trader/internal/ids"
	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/market"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/policy"
	"github.com/camuig/rl-trader/internal/risk"
	"github.com/camuig/rl-trader/internal/storage"
)

type State int

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrEscalated ends the loop after too many consecutive connection failures.
var ErrEscalated = errors.New("too many consecutive connection failures")

type Options struct {
	Symbol                string
	Cadence               time.Duration
	SnapshotInterval      time.Duration
	CheckpointInterval    time.Duration
	DrainTimeout          time.Duration
	ReconcileEvery        int
	MaxConnectionFailures int
}

type Status struct {
	State        State       `json:"state"`
	Symbol       string      `json:"symbol"`
	Cycles       int         `json:"cycles"`
	ConnFailures int         `json:"connection_failures"`
	LastCycle    time.Time   `json:"last_cycle"`
	LastDecision string      `json:"last_decision,omitempty"`
	LastAction   string      `json:"last_action,omitempty"`
	Risk         risk.State  `json:"risk"`
	Policy       policy.Info `json:"policy"`
}

type Orchestrator struct {
	gw       broker.Gateway
	builder  *market.Builder
	policy   *policy.Engine
	risk     *risk.Manager
	exec     *executor.Executor
	ledger   *storage.Ledger
	notifier notify.Notifier
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	cycles       int
	connFailures int
	lastCycle    time.Time
	lastDecision string
	lastAction   policy.Action

	shutdownOnce sync.Once
}

func NewOrchestrator(
	gw broker.Gateway,
	builder *market.Builder,
	engine *policy.Engine,
	riskManager *risk.Manager,
	exec *executor.Executor,
	ledger *storage.Ledger,
	notifier notify.Notifier,
	opts Options,
	log *logger.Logger,
) *Orchestrator {
	if opts.Cadence <= 0 {
		opts.Cadence = time.Minute
	}
	if opts.MaxConnectionFailures <= 0 {
		opts.MaxConnectionFailures = 5
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		gw:       gw,
		builder:  builder,
		policy:   engine,
		risk:     riskManager,
		exec:     exec,
		ledger:   ledger,
		notifier: notifier,
		opts:     opts,
		logger:   log.With("component", "orchestrator", "symbol", opts.Symbol),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.logger.Info("state change", "from", prev, "to", s)
	}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		State:        o.state,
		Symbol:       o.opts.Symbol,
		Cycles:       o.cycles,
		ConnFailures: o.connFailures,
		LastCycle:    o.lastCycle,
		LastDecision: o.lastDecision,
	}
	if o.lastDecision != "" {
		st.LastAction = o.lastAction.String()
	}
	o.mu.Unlock()
	st.Risk = o.risk.State()
	st.Policy = o.policy.Info()
	return st
}

// Run starts up, loops until ctx is cancelled or the loop escalates, then
// drains. Open trades are always closed before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		o.setState(Stopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return o.loop(gctx)
	})
	if o.opts.SnapshotInterval > 0 {
		g.Go(func() error { return o.snapshots(gctx) })
	}
	if o.opts.CheckpointInterval > 0 {
		g.Go(func() error { return o.checkpoints(gctx) })
	}
	loopErr := g.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), o.opts.DrainTimeout)
	defer drainCancel()
	drainErr := o.Drain(drainCtx)

	return errors.Join(loopErr, drainErr)
}

// Start loads the policy, connects, reconciles and seeds the risk state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(Starting)

	if err := o.policy.Load(ctx); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if err := o.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if _, err := o.exec.Reconcile(ctx); err != nil {
		o.logger.Warn("startup reconcile failed", "error", err)
	}

	acct, err := o.gw.Account(ctx)
	if err != nil {
		_ = o.gw.Disconnect(ctx)
		return fmt.Errorf("read account: %w", err)
	}
	open, err := o.exec.OpenTrades(ctx)
	if err != nil {
		o.logger.Warn("read open trades", "error", err)
	}
	now := o.now()
	dayStart := now.Truncate(24 * time.Hour)
	realized, err := o.ledger.RealizedPnL(ctx, dayStart, now.Add(time.Second))
	if err != nil {
		o.logger.Warn("read realized pnl", "error", err)
	}
	o.risk.Restore(now, acct, len(open), realized)

	o.setState(Running)
	info := o.policy.Info()
	o.notifier.Notify(notify.New(notify.Startup, notify.SeverityInfo,
		fmt.Sprintf("trading %s started", o.opts.Symbol),
		"strategy", info.Strategy, "version", info.Version, "degraded", info.Degraded,
		"equity", acct.Equity, "open_trades", len(open)))
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Cadence)
	defer ticker.Stop()

	o.logger.Info("decision loop started", "cadence", o.opts.Cadence.String())

	// Run immediately on start
	if err := o.RunCycle(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("decision loop stopped")
			return nil
		case <-ticker.C:
			if err := o.RunCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// RunCycle performs one fetch, decide, risk, execute pass. The only error
// it returns is ErrEscalated; everything else is logged and alerted.
func (o *Orchestrator) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in decision cycle", "panic", fmt.Sprint(r))
			o.notifier.Notify(notify.New(notify.Error, notify.SeverityError, fmt.Sprintf("cycle panic: %v", r)))
			err = nil
		}
	}()

	if ctx.Err() != nil {
		return nil
	}
	now := o.now()
	o.mu.Lock()
	o.cycles++
	cycle := o.cycles
	o.lastCycle = now
	o.mu.Unlock()

	// the day rolls before anything below can book a close
	acct, err := o.gw.Account(ctx)
	if err != nil {
		return o.handle("account", err)
	}
	if o.risk.Roll(now, acct) {
		st := o.risk.State()
		o.logger.Info("new UTC trading day", "day", st.Day.Format(time.DateOnly), "day_start_balance", st.DayStartBalance)
	}

	if _, err := o.exec.FlushQueue(ctx); err != nil {
		o.logger.Warn("write queue flush failed", "error", err)
	}
	if o.opts.ReconcileEvery > 0 && cycle%o.opts.ReconcileEvery == 0 {
		if _, err := o.exec.Reconcile(ctx); err != nil {
			return o.handle("reconcile", err)
		}
	}

	inputs, err := o.gw.FetchObservationInputs(ctx, o.opts.Symbol, o.builder.Lookback())
	if err != nil {
		return o.handle("fetch", err)
	}

	open, err := o.exec.OpenTrades(ctx)
	if err != nil {
		return o.handle("open trades", err)
	}
	o.risk.SyncOpenTrades(len(open))

	obs, err := o.builder.Build(inputs.Bars, acct, summarize(open))
	if errors.Is(err, market.ErrInsufficientHistory) {
		o.logger.Info("insufficient history, skipping cycle", "bars", len(inputs.Bars), "lookback", o.builder.Lookback())
		return nil
	}
	if err != nil {
		return o.handle("observation", err)
	}
	o.resetFailures()

	decision, err := o.policy.Decide(obs.Vector)
	if err != nil {
		return o.handle("decide", err)
	}
	decisionID := ids.New()
	dir := direction(decision.Action)
	log := o.logger.With("decision", decisionID, "action", decision.Action)

	proposal := risk.Proposal{Direction: dir, ATR: obs.ATR}
	if dir.Valid() {
		proposal.Price = inputs.Quote.EntryPrice(dir)
	}
	verdict := o.risk.Evaluate(now, proposal, acct)
	if verdict.LimitHit {
		st := o.risk.State()
		o.notifier.Notify(notify.New(notify.RiskLimitHit, notify.SeverityWarning,
			"daily loss limit reached, trading halted until next UTC day",
			"daily_loss", st.DailyLoss, "day_start_balance", st.DayStartBalance, "open_trades", st.OpenTrades))
	}

	var tradeID string
	switch {
	case verdict.Flatten:
		log.Warn("flattening on risk limit", "open", len(open))
		if _, err := o.exec.CloseAll(ctx, storage.ReasonRiskFlatten); err != nil {
			if escalated := o.handle("flatten", err); escalated != nil {
				return escalated
			}
		}
	case dir.Valid() && verdict.Reason != risk.ReasonDailyLoss && hasSide(open, dir.Opposite()):
		// reversal closes the other side; no new entry in the same cycle
		for _, t := range open {
			if t.Direction != string(dir.Opposite()) {
				continue
			}
			if _, err := o.exec.Close(ctx, t, storage.ReasonPolicy); err != nil {
				if escalated := o.handle("close", err); escalated != nil {
					return escalated
				}
			}
		}
	case verdict.Approved():
		trade, err := o.exec.Execute(ctx, decisionID, o.opts.Symbol, verdict.Order)
		switch {
		case err == nil:
			tradeID = trade.ID
		case broker.IsRejection(err):
			log.Info("order rejected, cycle ends", "error", err)
		default:
			if escalated := o.handle("execute", err); escalated != nil {
				return escalated
			}
		}
	default:
		log.Debug("no entry", "reason", verdict.Reason, "confidence", decision.Confidence)
	}

	o.record(ctx, decisionID, obs, decision, tradeID)
	return nil
}

func (o *Orchestrator) record(ctx context.Context, decisionID string, obs market.Observation, d policy.Decision, tradeID string) {
	exp := &storage.Experience{
		CreatedAt:   obs.Time,
		DecisionID:  decisionID,
		Symbol:      o.opts.Symbol,
		Observation: obs.Vector,
		Action:      int(d.Action),
		Confidence:  d.Confidence,
		TradeID:     tradeID,
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = o.now()
	}
	if err := o.ledger.SaveExperience(ctx, exp); err != nil {
		o.logger.Warn("save experience", "decision", decisionID, "error", err)
	}

	o.mu.Lock()
	prev := o.lastDecision
	o.lastDecision = decisionID
	o.lastAction = d.Action
	o.mu.Unlock()

	if prev != "" {
		if err := o.ledger.AttachNextObservation(ctx, prev, obs.Vector); err != nil {
			o.logger.Debug("attach next observation", "decision", prev, "error", err)
		}
	}
}

// handle classifies a cycle error. Data gaps are quiet skips, connection
// errors count toward escalation, anything else is alerted.
func (o *Orchestrator) handle(op string, err error) error {
	switch {
	case errors.Is(err, broker.ErrDataUnavailable):
		o.logger.Info("market data unavailable, skipping cycle", "op", op, "reason", err)
		return nil
	case errors.Is(err, broker.ErrConnection), errors.Is(err, broker.ErrNotConnected):
		o.mu.Lock()
		o.connFailures++
		n := o.connFailures
		o.mu.Unlock()

		o.logger.Error("connection error", "op", op, "failures", n, "error", err)
		o.notifier.Notify(notify.New(notify.ConnectionError, notify.SeverityError,
			fmt.Sprintf("%s failed: %v", op, err), "failures", n))
		if n >= o.opts.MaxConnectionFailures {
			o.notifier.Notify(notify.New(notify.Error, notify.SeverityError,
				"connection failures exhausted, draining", "failures", n))
			return ErrEscalated
		}
		return nil
	default:
		o.logger.Error("cycle error", "op", op, "error", err)
		o.notifier.Notify(notify.New(notify.Error, notify.SeverityError, fmt.Sprintf("%s: %v", op, err)))
		return nil
	}
}

func (o *Orchestrator) resetFailures() {
	o.mu.Lock()
	o.connFailures = 0
	o.mu.Unlock()
}

// Drain closes every open trade, flushes pending writes, saves the policy
// and disconnects. It runs once; later calls return nil.
func (o *Orchestrator) Drain(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		err = o.drain(ctx)
	})
	return err
}

func (o *Orchestrator) drain(ctx context.Context) error {
	o.setState(Draining)
	var errs []error

	closed, err := o.exec.CloseAll(ctx, storage.ReasonShutdown)
	if err != nil {
		o.logger.Error("drain close-all incomplete", "error", err)
		errs = append(errs, err)
	}
	if _, err := o.exec.FlushQueue(ctx); err != nil {
		o.logger.Error("drain flush failed", "pending", o.exec.Queue().Len(), "error", err)
		errs = append(errs, err)
	}

	version, err := o.policy.Save(ctx)
	if err != nil {
		o.logger.Error("drain checkpoint failed", "error", err)
		errs = append(errs, err)
	}

	var profit float64
	for _, t := range closed {
		if t.Profit != nil {
			profit += *t.Profit
		}
	}
	o.notifier.Notify(notify.New(notify.Shutdown, notify.SeverityInfo,
		fmt.Sprintf("trading %s stopped", o.opts.Symbol),
		"closed_trades", len(closed), "closed_profit", profit, "checkpoint_version", version))

	if err := o.gw.Disconnect(ctx); err != nil {
		o.logger.Warn("disconnect", "error", err)
	}
	o.setState(Stopped)
	return errors.Join(errs...)
}

func (o *Orchestrator) snapshots(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.SnapshotInterval)
	defer ticker.Stop()

	o.snapshot(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.snapshot(ctx)
		}
	}
}

func (o *Orchestrator) snapshot(ctx context.Context) {
	acct, err := o.gw.Account(ctx)
	if err != nil {
		o.logger.Warn("snapshot: read account", "error", err)
		return
	}
	m := &storage.AccountMetric{
		CreatedAt:  o.now(),
		Balance:    acct.Balance,
		Equity:     acct.Equity,
		MarginUsed: acct.MarginUsed,
		FreeMargin: acct.FreeMargin,
		OpenTrades: o.risk.State().OpenTrades,
	}
	if err := o.ledger.SaveSnapshot(ctx, m); err != nil {
		o.logger.Warn("snapshot: save", "error", err)
	}
}

func (o *Orchestrator) checkpoints(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.policy.Save(ctx); err != nil {
				o.logger.Error("periodic checkpoint", "error", err)
			}
		}
	}
}

func direction(a policy.Action) broker.Direction {
	switch a {
	case policy.Buy:
		return broker.Long
	case policy.Sell:
		return broker.Short
	}
	return ""
}

func summarize(open []storage.Trade) market.PositionSummary {
	var s market.PositionSummary
	for _, t := range open {
		switch broker.Direction(t.Direction) {
		case broker.Long:
			s.Long++
		case broker.Short:
			s.Short++
		}
	}
	return s
}

func hasSide(open []storage.Trade, d broker.Direction) bool {
	for _, t := range open {
		if t.Direction == string(d) {
			return true
		}
	}
	return false
}
