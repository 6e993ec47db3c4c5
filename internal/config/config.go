package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeLive    = "live"
	ModeSandbox = "sandbox"
	ModePaper   = "paper"
)

type Config struct {
	Mode       string           `yaml:"mode"`
	Tinkoff    TinkoffConfig    `yaml:"tinkoff"`
	Paper      PaperConfig      `yaml:"paper"`
	Broker     BrokerConfig     `yaml:"broker"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Policy     PolicyConfig     `yaml:"policy"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Notify     NotifyConfig     `yaml:"notify"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// TinkoffConfig holds venue settings. The API token is resolved through the
// secrets package and never read from this file.
type TinkoffConfig struct {
	AccountID string `yaml:"account_id"`
	TokenName string `yaml:"token_secret"`
	AppName   string `yaml:"app_name"`
}

type PaperConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	StartPrice     float64 `yaml:"start_price"`
	Spread         float64 `yaml:"spread"`
	Volatility     float64 `yaml:"volatility"`
	Seed           int64   `yaml:"seed"`
	// Source is "random" for a seeded random walk or "moex" to replay
	// historical candles of the traded symbol.
	Source      string `yaml:"source"`
	HistoryDays int    `yaml:"history_days"`
	MoexURL     string `yaml:"moex_url"`
}

type BrokerConfig struct {
	Timeout        string `yaml:"timeout"`
	ConnectRetries int    `yaml:"connect_retries"`
	CallRetries    int    `yaml:"call_retries"`
	Backoff        string `yaml:"backoff"`
}

type TradingConfig struct {
	Symbol                string `yaml:"symbol"`
	DecisionCadence       string `yaml:"decision_cadence"`
	CandleInterval        string `yaml:"candle_interval"`
	Lookback              int    `yaml:"lookback"`
	SnapshotInterval      string `yaml:"snapshot_interval"`
	ReconcileEvery        int    `yaml:"reconcile_every"`
	MaxConnectionFailures int    `yaml:"max_connection_failures"`
	DrainTimeout          string `yaml:"drain_timeout"`
}

type RiskConfig struct {
	MaxRiskPerTrade    float64 `yaml:"max_risk_per_trade"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	MaxPositions       int     `yaml:"max_positions"`
	StopLossDistance   float64 `yaml:"stop_loss_distance"`
	TakeProfitDistance float64 `yaml:"take_profit_distance"`
	ATRStopMultiplier  float64 `yaml:"atr_stop_multiplier"`
	ValuePerPoint      float64 `yaml:"value_per_point"`
	VolumeStep         float64 `yaml:"volume_step"`
	MinVolume          float64 `yaml:"min_volume"`
	MaxVolume          float64 `yaml:"max_volume"`
	MaxLeverage        float64 `yaml:"max_leverage"`
	MarginRetryFactor  float64 `yaml:"margin_retry_factor"`
}

type PolicyConfig struct {
	Strategy          string  `yaml:"strategy"`
	Key               string  `yaml:"key"`
	FallbackHold      bool    `yaml:"fallback_hold"`
	RollbackVersion   uint64  `yaml:"rollback_version"`
	TrainingTimesteps int     `yaml:"training_timesteps"`
	LearningRate      float64 `yaml:"learning_rate"`
	BatchSize         int     `yaml:"batch_size"`
	ONNXModelPath     string  `yaml:"onnx_model_path"`
	ONNXLibraryPath   string  `yaml:"onnx_library_path"`
	Reward            Reward  `yaml:"reward"`
}

type Reward struct {
	Scale       float64 `yaml:"scale"`
	RiskPenalty float64 `yaml:"risk_penalty"`
	HoldPenalty float64 `yaml:"hold_penalty"`
	TradeCost   float64 `yaml:"trade_cost"`
}

type StorageConfig struct {
	Path         string `yaml:"path"`
	WriteRetries int    `yaml:"write_retries"`
	WriteBackoff string `yaml:"write_backoff"`
}

type CheckpointConfig struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval"`
}

type SecretsConfig struct {
	Path      string `yaml:"path"`
	KeyEnv    string `yaml:"key_env"`
	EnvFile   string `yaml:"env_file"`
	EnvPrefix string `yaml:"env_prefix"`
}

type TelegramConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TokenName string `yaml:"token_secret"`
	ChatID    int64  `yaml:"chat_id"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
}

type NotifyConfig struct {
	MaxAttempts   int    `yaml:"max_attempts"`
	FlushInterval string `yaml:"flush_interval"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a validated config with every default applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.Tinkoff.TokenName == "" {
		cfg.Tinkoff.TokenName = "tinkoff_token"
	}
	if cfg.Tinkoff.AppName == "" {
		cfg.Tinkoff.AppName = "rl-trader"
	}

	if cfg.Paper.InitialBalance == 0 {
		cfg.Paper.InitialBalance = 10000
	}
	if cfg.Paper.StartPrice == 0 {
		cfg.Paper.StartPrice = 100
	}
	if cfg.Paper.Spread == 0 {
		cfg.Paper.Spread = 0.02
	}
	if cfg.Paper.Volatility == 0 {
		cfg.Paper.Volatility = 0.002
	}
	if cfg.Paper.Seed == 0 {
		cfg.Paper.Seed = 42
	}
	if cfg.Paper.Source == "" {
		cfg.Paper.Source = "random"
	}
	if cfg.Paper.HistoryDays == 0 {
		cfg.Paper.HistoryDays = 5
	}

	if cfg.Broker.Timeout == "" {
		cfg.Broker.Timeout = "10s"
	}
	if cfg.Broker.ConnectRetries == 0 {
		cfg.Broker.ConnectRetries = 5
	}
	if cfg.Broker.CallRetries == 0 {
		cfg.Broker.CallRetries = 3
	}
	if cfg.Broker.Backoff == "" {
		cfg.Broker.Backoff = "500ms"
	}

	if cfg.Trading.Symbol == "" {
		cfg.Trading.Symbol = "SBER"
	}
	if cfg.Trading.DecisionCadence == "" {
		cfg.Trading.DecisionCadence = "1m"
	}
	if cfg.Trading.CandleInterval == "" {
		cfg.Trading.CandleInterval = "1m"
	}
	if cfg.Trading.Lookback == 0 {
		cfg.Trading.Lookback = 50
	}
	if cfg.Trading.SnapshotInterval == "" {
		cfg.Trading.SnapshotInterval = "1m"
	}
	if cfg.Trading.ReconcileEvery == 0 {
		cfg.Trading.ReconcileEvery = 5
	}
	if cfg.Trading.MaxConnectionFailures == 0 {
		cfg.Trading.MaxConnectionFailures = 5
	}
	if cfg.Trading.DrainTimeout == "" {
		cfg.Trading.DrainTimeout = "30s"
	}

	if cfg.Risk.MaxRiskPerTrade == 0 {
		cfg.Risk.MaxRiskPerTrade = 0.02
	}
	if cfg.Risk.MaxDailyLoss == 0 {
		cfg.Risk.MaxDailyLoss = 0.05
	}
	if cfg.Risk.MaxPositions == 0 {
		cfg.Risk.MaxPositions = 3
	}
	if cfg.Risk.StopLossDistance == 0 && cfg.Risk.ATRStopMultiplier == 0 {
		cfg.Risk.ATRStopMultiplier = 2
	}
	if cfg.Risk.ValuePerPoint == 0 {
		cfg.Risk.ValuePerPoint = 1
	}
	if cfg.Risk.VolumeStep == 0 {
		cfg.Risk.VolumeStep = 1
	}
	if cfg.Risk.MinVolume == 0 {
		cfg.Risk.MinVolume = cfg.Risk.VolumeStep
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 10
	}
	if cfg.Risk.MarginRetryFactor == 0 {
		cfg.Risk.MarginRetryFactor = 0.5
	}

	if cfg.Policy.Strategy == "" {
		cfg.Policy.Strategy = "linear"
	}
	if cfg.Policy.Key == "" {
		cfg.Policy.Key = cfg.Trading.Symbol
	}
	if cfg.Policy.TrainingTimesteps == 0 {
		cfg.Policy.TrainingTimesteps = 100000
	}
	if cfg.Policy.LearningRate == 0 {
		cfg.Policy.LearningRate = 0.01
	}
	if cfg.Policy.BatchSize == 0 {
		cfg.Policy.BatchSize = 5000
	}
	if cfg.Policy.Reward.Scale == 0 {
		cfg.Policy.Reward.Scale = 0.01
	}
	if cfg.Policy.Reward.RiskPenalty == 0 {
		cfg.Policy.Reward.RiskPenalty = 1
	}
	if cfg.Policy.Reward.TradeCost == 0 {
		cfg.Policy.Reward.TradeCost = 0.001
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/rl-trader.db"
	}
	if cfg.Storage.WriteRetries == 0 {
		cfg.Storage.WriteRetries = 3
	}
	if cfg.Storage.WriteBackoff == "" {
		cfg.Storage.WriteBackoff = "200ms"
	}

	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = "data/checkpoints"
	}
	if cfg.Checkpoint.Interval == "" {
		cfg.Checkpoint.Interval = "1h"
	}

	if cfg.Secrets.KeyEnv == "" {
		cfg.Secrets.KeyEnv = "RLTRADER_SECRET_KEY"
	}
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = "RLTRADER_"
	}

	if cfg.Telegram.TokenName == "" {
		cfg.Telegram.TokenName = "telegram_bot_token"
	}
	if cfg.Webhook.Timeout == "" {
		cfg.Webhook.Timeout = "5s"
	}
	if cfg.Webhook.Retries == 0 {
		cfg.Webhook.Retries = 2
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 10
	}
	if cfg.Notify.FlushInterval == "" {
		cfg.Notify.FlushInterval = "5s"
	}

	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeSandbox, ModePaper:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.Mode == ModeLive && c.Tinkoff.AccountID == "" {
		return fmt.Errorf("tinkoff.account_id is required in live mode")
	}

	switch c.Paper.Source {
	case "random", "moex":
	default:
		return fmt.Errorf("invalid paper.source %q", c.Paper.Source)
	}

	durations := map[string]string{
		"broker.timeout":            c.Broker.Timeout,
		"broker.backoff":            c.Broker.Backoff,
		"trading.decision_cadence":  c.Trading.DecisionCadence,
		"trading.snapshot_interval": c.Trading.SnapshotInterval,
		"trading.drain_timeout":     c.Trading.DrainTimeout,
		"storage.write_backoff":     c.Storage.WriteBackoff,
		"checkpoint.interval":       c.Checkpoint.Interval,
		"webhook.timeout":           c.Webhook.Timeout,
		"notify.flush_interval":     c.Notify.FlushInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Trading.Lookback < 21 {
		return fmt.Errorf("trading.lookback must be at least 21, got %d", c.Trading.Lookback)
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0,1)")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return fmt.Errorf("risk.max_daily_loss must be in (0,1)")
	}
	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions must be positive")
	}
	if c.Risk.StopLossDistance < 0 || c.Risk.ATRStopMultiplier < 0 {
		return fmt.Errorf("stop distance settings must not be negative")
	}
	if c.Risk.MarginRetryFactor <= 0 || c.Risk.MarginRetryFactor >= 1 {
		return fmt.Errorf("risk.margin_retry_factor must be in (0,1)")
	}

	switch c.Policy.Strategy {
	case "linear", "hold":
	case "onnx":
		if c.Policy.ONNXModelPath == "" {
			return fmt.Errorf("policy.onnx_model_path is required for the onnx strategy")
		}
	default:
		return fmt.Errorf("unknown policy.strategy %q", c.Policy.Strategy)
	}

	if c.Telegram.Enabled && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when webhook is enabled")
	}
	return nil
}

func (c *Config) IsSandbox() bool {
	return c.Mode == ModeSandbox
}

func (c *Config) IsPaper() bool {
	return c.Mode == ModePaper
}

func (c *Config) DecisionCadence() time.Duration {
	return mustDuration(c.Trading.DecisionCadence)
}

func (c *Config) CandleInterval() time.Duration {
	return mustDuration(c.Trading.CandleInterval)
}

func (c *Config) SnapshotInterval() time.Duration {
	return mustDuration(c.Trading.SnapshotInterval)
}

func (c *Config) DrainTimeout() time.Duration {
	return mustDuration(c.Trading.DrainTimeout)
}

func (c *Config) BrokerTimeout() time.Duration {
	return mustDuration(c.Broker.Timeout)
}

func (c *Config) BrokerBackoff() time.Duration {
	return mustDuration(c.Broker.Backoff)
}

func (c *Config) WriteBackoff() time.Duration {
	return mustDuration(c.Storage.WriteBackoff)
}

func (c *Config) CheckpointInterval() time.Duration {
	return mustDuration(c.Checkpoint.Interval)
}

func (c *Config) WebhookTimeout() time.Duration {
	return mustDuration(c.Webhook.Timeout)
}

func (c *Config) NotifyFlushInterval() time.Duration {
	return mustDuration(c.Notify.FlushInterval)
}

// MarginRate is the fraction of notional held as margin.
func (c *Config) MarginRate() float64 {
	if c.Risk.MaxLeverage <= 0 {
		return 1
	}
	return 1 / c.Risk.MaxLeverage
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
