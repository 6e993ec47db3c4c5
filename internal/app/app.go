// Package app wires configuration into the long-lived components shared by
// the command line tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/camuig/rl-trader/internal/broker"
	"github.com/camuig/rl-trader/internal/broker/paper"
	"github.com/camuig/rl-trader/internal/broker/tinkoff"
	"github.com/camuig/rl-trader/internal/checkpoint"
	"github.com/camuig/rl-trader/internal/config"
	"github.com/camuig/rl-trader/internal/executor"
	"github.com/camuig/rl-trader/internal/logger"
	"github.com/camuig/rl-trader/internal/market"
	"github.com/camuig/rl-trader/internal/moex"
	"github.com/camuig/rl-trader/internal/notify"
	"github.com/camuig/rl-trader/internal/policy"
	"github.com/camuig/rl-trader/internal/risk"
	"github.com/camuig/rl-trader/internal/secrets"
	"github.com/camuig/rl-trader/internal/storage"
)

// App holds what every command needs. Close releases it in reverse order.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Ledger   *storage.Ledger
	Resolver *secrets.Resolver

	closers []func() error
}

func Open(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := secrets.LoadEnvFile(cfg.Secrets.EnvFile); err != nil {
		return nil, err
	}

	log := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	a := &App{Config: cfg, Logger: log}
	a.closers = append(a.closers, log.Close)

	var store *secrets.Store
	if cfg.Secrets.Path != "" {
		key, err := secrets.ParseKey(os.Getenv(cfg.Secrets.KeyEnv))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("secret key from %s: %w", cfg.Secrets.KeyEnv, err)
		}
		store, err = secrets.Open(cfg.Secrets.Path, key)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open secret store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
	}
	a.Resolver = secrets.NewResolver(store, cfg.Secrets.EnvPrefix)

	db, err := storage.NewDatabase(cfg.Storage.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, func() error { return storage.Close(db) })
	a.Ledger = storage.NewLedger(db)

	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Gateway builds the venue adapter for the configured mode, wrapped with
// timeouts and connection retries.
func (a *App) Gateway(ctx context.Context) (broker.Gateway, error) {
	cfg := a.Config
	var gw broker.Gateway

	if cfg.IsPaper() {
		engine := paper.NewEngine(paper.Config{
			InitialBalance: cfg.Paper.InitialBalance,
			ValuePerPoint:  cfg.Risk.ValuePerPoint,
			MarginRate:     cfg.MarginRate(),
			Spread:         cfg.Paper.Spread,
		})
		feed, err := a.paperFeed(ctx)
		if err != nil {
			return nil, err
		}
		engine.WithFeed(feed).Warmup(cfg.Trading.Symbol, cfg.Trading.Lookback)
		gw = engine
	} else {
		creds, err := a.Resolver.Credentials(cfg.Tinkoff.TokenName)
		if err != nil {
			return nil, fmt.Errorf("resolve broker token: %w", err)
		}
		a.Logger.Info("broker credentials resolved", "secret", cfg.Tinkoff.TokenName, "credentials", creds)
		gw = tinkoff.New(tinkoff.Config{
			Token:          creds.Token,
			AccountID:      cfg.Tinkoff.AccountID,
			AppName:        cfg.Tinkoff.AppName,
			Sandbox:        cfg.IsSandbox(),
			CandleInterval: cfg.Trading.CandleInterval,
		}, a.Logger.With("component", "tinkoff"))
	}

	return broker.NewResilient(gw, broker.ResilientConfig{
		Timeout:        cfg.BrokerTimeout(),
		ConnectRetries: cfg.Broker.ConnectRetries,
		CallRetries:    cfg.Broker.CallRetries,
		Backoff:        cfg.BrokerBackoff(),
	}, a.Logger.With("component", "broker")), nil
}

func (a *App) paperFeed(ctx context.Context) (paper.Feed, error) {
	cfg := a.Config
	if cfg.Paper.Source != "moex" {
		return paper.NewRandomWalk(cfg.Paper.Seed, cfg.Paper.StartPrice, cfg.Paper.Volatility, cfg.DecisionCadence()), nil
	}

	till := time.Now().UTC()
	from := till.AddDate(0, 0, -cfg.Paper.HistoryDays)
	bars, err := moex.NewClient(cfg.Paper.MoexURL, a.Logger).
		Candles(ctx, cfg.Trading.Symbol, cfg.CandleInterval(), from, till)
	if err != nil {
		return nil, fmt.Errorf("load paper history: %w", err)
	}
	if len(bars) <= cfg.Trading.Lookback {
		return nil, fmt.Errorf("load paper history: %d bars for %s, need more than %d",
			len(bars), cfg.Trading.Symbol, cfg.Trading.Lookback)
	}
	return moex.NewReplay(bars), nil
}

// Policy opens the checkpoint store and builds an engine around the
// configured strategy. Load is left to the caller.
func (a *App) Policy() (*policy.Engine, error) {
	cfg := a.Config

	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.onClose(store.Close)

	var strategy policy.Strategy
	switch cfg.Policy.Strategy {
	case "hold":
		strategy = policy.HoldStrategy{}
	case "onnx":
		s, err := policy.NewONNX(cfg.Policy.ONNXModelPath, cfg.Policy.ONNXLibraryPath, market.FeatureCount)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { s.Close(); return nil })
		strategy = s
	default:
		strategy = policy.NewLinear(market.FeatureCount)
	}

	return policy.NewEngine(strategy, store, policy.Options{
		Key:             cfg.Policy.Key,
		FallbackHold:    cfg.Policy.FallbackHold,
		RollbackVersion: cfg.Policy.RollbackVersion,
	}, a.Logger), nil
}

// Notifications builds the outbox dispatcher with every enabled sink. hub
// is added as a sink when non-nil.
func (a *App) Notifications(hub *notify.Hub) (*notify.Dispatcher, error) {
	cfg := a.Config
	var sinks []notify.Sink

	if cfg.Telegram.Enabled {
		token, err := a.Resolver.Lookup(cfg.Telegram.TokenName)
		if err != nil {
			return nil, fmt.Errorf("resolve telegram token: %w", err)
		}
		tg, err := notify.NewTelegramSink(token, cfg.Telegram.ChatID, a.Logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook.URL, cfg.WebhookTimeout(), cfg.Webhook.Retries))
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	return notify.NewDispatcher(cfg.Notify.MaxAttempts, cfg.NotifyFlushInterval(), a.Logger, sinks...), nil
}

func (a *App) Risk() *risk.Manager {
	return risk.NewManager(risk.FromConfig(a.Config))
}

func (a *App) Executor(gw broker.Gateway, notifier notify.Notifier, tracker executor.Tracker) *executor.Executor {
	cfg := a.Config
	return executor.NewExecutor(gw, a.Ledger, notifier, tracker, executor.Options{
		ValuePerPoint:     cfg.Risk.ValuePerPoint,
		VolumeStep:        cfg.Risk.VolumeStep,
		MinVolume:         cfg.Risk.MinVolume,
		MarginRetryFactor: cfg.Risk.MarginRetryFactor,
		WriteRetries:      cfg.Storage.WriteRetries,
		WriteBackoff:      cfg.WriteBackoff(),
	}, a.Logger)
}
