// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|console
}

// Network describes the ledger RPC endpoint and confirmation behaviour.
type Network struct {
	RPCURL           string `yaml:"rpc_url"`
	Commitment       string `yaml:"commitment"` // processed|confirmed|finalized
	ConfirmTimeoutMs int    `yaml:"confirm_timeout_ms"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	Paper            bool   `yaml:"paper"`
}

// Keystore locates the encrypted wallet file. The secret itself never lives in YAML.
type Keystore struct {
	Path      string `yaml:"path"`
	SecretEnv string `yaml:"secret_env"`
	MasterEnv string `yaml:"master_env"`
	Secret    string `yaml:"-"`
	MasterKey string `yaml:"-"`
}

// Wallets sizes the pool and sets per-wallet lamport thresholds.
type Wallets struct {
	Count                int    `yaml:"count"`
	SeedLamports         uint64 `yaml:"seed_lamports"`
	MinLamports          uint64 `yaml:"min_lamports"`
	TargetLamports       uint64 `yaml:"target_lamports"`
	MaxLamports          uint64 `yaml:"max_lamports"`
	SafetyMarginLamports uint64 `yaml:"safety_margin_lamports"`
}

// Fees tunes the priority fee advisor.
type Fees struct {
	BaselineMicroLamports uint64  `yaml:"baseline_micro_lamports"`
	FallbackMicroLamports uint64  `yaml:"fallback_micro_lamports"`
	Multiplier            float64 `yaml:"multiplier"`
}

// Bundles groups the builder and executor knobs.
type Bundles struct {
	MaxInstructionsPerTx  int    `yaml:"max_instructions_per_tx"`
	MaxWalletsPerBundle   int    `yaml:"max_wallets_per_bundle"`
	HighPriorityThreshold int    `yaml:"high_priority_threshold"`
	BaselineMicroLamports uint64 `yaml:"baseline_micro_lamports"`
	MaxComputeUnits       uint32 `yaml:"max_compute_units"`
}

// Protection toggles the anti front-running decorations.
type Protection struct {
	Obfuscation     bool `yaml:"obfuscation"`
	RandomizeTiming bool `yaml:"randomize_timing"`
	MinDelayMs      int  `yaml:"min_delay_ms"`
	MaxDelayMs      int  `yaml:"max_delay_ms"`
}

// Scheduler configures periodic maintenance ticks.
type Scheduler struct {
	RebalanceIntervalMs int `yaml:"rebalance_interval_ms"`
	MonitorIntervalMs   int `yaml:"monitor_interval_ms"`
	MaxMonitored        int `yaml:"max_monitored"`
	MaxAttempts         int `yaml:"max_attempts"`
}

// Storage points at optional audit sinks. Empty paths disable the sink.
type Storage struct {
	SQLitePath  string `yaml:"sqlite_path"`
	ResultsPath string `yaml:"results_path"`
}

// Lock selects the scheduling lock backend. An empty RedisURL keeps the lock in-process.
type Lock struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
	TTLMs    int    `yaml:"ttl_ms"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App        App        `yaml:"app"`
	Network    Network    `yaml:"network"`
	Keystore   Keystore   `yaml:"keystore"`
	Wallets    Wallets    `yaml:"wallets"`
	Fees       Fees       `yaml:"fees"`
	Bundles    Bundles    `yaml:"bundles"`
	Protection Protection `yaml:"protection"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Storage    Storage    `yaml:"storage"`
	Lock       Lock       `yaml:"lock"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings that cannot be acted on safely.
func (c *Config) Validate() error {
	w := c.Wallets
	if w.MinLamports > w.TargetLamports || w.TargetLamports > w.MaxLamports {
		return fmt.Errorf("invalid wallet thresholds: need min <= target <= max, got %d/%d/%d",
			w.MinLamports, w.TargetLamports, w.MaxLamports)
	}
	return nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Default returns a config populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bundler"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}
	if c.Network.RPCURL == "" {
		c.Network.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if c.Network.Commitment == "" {
		c.Network.Commitment = "confirmed"
	}
	if c.Network.ConfirmTimeoutMs <= 0 {
		c.Network.ConfirmTimeoutMs = 60_000
	}
	if c.Network.PollIntervalMs <= 0 {
		c.Network.PollIntervalMs = 500
	}
	if c.Keystore.Path == "" {
		c.Keystore.Path = "data/wallets.yaml"
	}
	if c.Keystore.SecretEnv == "" {
		c.Keystore.SecretEnv = "KEYSTORE_SECRET"
	}
	if c.Keystore.MasterEnv == "" {
		c.Keystore.MasterEnv = "MASTER_PRIVATE_KEY_BASE58"
	}
	if c.Wallets.Count <= 0 {
		c.Wallets.Count = 5
	}
	if c.Wallets.SeedLamports == 0 {
		c.Wallets.SeedLamports = 50_000_000
	}
	if c.Wallets.MinLamports == 0 {
		c.Wallets.MinLamports = 20_000_000
	}
	if c.Wallets.TargetLamports == 0 {
		c.Wallets.TargetLamports = 50_000_000
	}
	if c.Wallets.MaxLamports == 0 {
		c.Wallets.MaxLamports = 200_000_000
	}
	if c.Wallets.SafetyMarginLamports == 0 {
		c.Wallets.SafetyMarginLamports = 10_000_000
	}
	if c.Fees.BaselineMicroLamports == 0 {
		c.Fees.BaselineMicroLamports = 10_000
	}
	if c.Fees.FallbackMicroLamports == 0 {
		c.Fees.FallbackMicroLamports = 50_000
	}
	if c.Fees.Multiplier <= 0 {
		c.Fees.Multiplier = 1.0
	}
	if c.Bundles.MaxInstructionsPerTx <= 0 {
		c.Bundles.MaxInstructionsPerTx = 10
	}
	if c.Bundles.MaxWalletsPerBundle <= 0 {
		c.Bundles.MaxWalletsPerBundle = 20
	}
	if c.Bundles.HighPriorityThreshold <= 0 {
		c.Bundles.HighPriorityThreshold = 5
	}
	if c.Bundles.BaselineMicroLamports == 0 {
		c.Bundles.BaselineMicroLamports = 50_000
	}
	if c.Protection.MinDelayMs <= 0 {
		c.Protection.MinDelayMs = 500
	}
	if c.Protection.MaxDelayMs < c.Protection.MinDelayMs {
		c.Protection.MaxDelayMs = 2_500
	}
	if c.Scheduler.RebalanceIntervalMs <= 0 {
		c.Scheduler.RebalanceIntervalMs = 300_000
	}
	if c.Scheduler.MonitorIntervalMs <= 0 {
		c.Scheduler.MonitorIntervalMs = 30_000
	}
	if c.Scheduler.MaxMonitored <= 0 {
		c.Scheduler.MaxMonitored = 100
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "bundler:build"
	}
	if c.Lock.TTLMs <= 0 {
		c.Lock.TTLMs = 30_000
	}
}

// ApplyEnv overlays secrets and endpoint overrides from the environment (and .env when present).
func (c *Config) ApplyEnv() {
	_ = godotenv.Load() // best-effort
	if v := os.Getenv(c.Keystore.SecretEnv); v != "" {
		c.Keystore.Secret = v
	}
	if v := os.Getenv(c.Keystore.MasterEnv); v != "" {
		c.Keystore.MasterKey = v
	}
	if v := os.Getenv("SOLANA_RPC_URL"); v != "" {
		c.Network.RPCURL = v
	}
	if v := os.Getenv("SOLANA_COMMITMENT"); v != "" {
		c.Network.Commitment = v
	}
	if v := os.Getenv("BUNDLER_REDIS_URL"); v != "" {
		c.Lock.RedisURL = v
	}
	if v, err := strconv.ParseBool(os.Getenv("BUNDLER_PAPER")); err == nil {
		c.Network.Paper = v
	}
}

// ConfirmTimeout returns the confirmation wait as a duration.
func (n Network) ConfirmTimeout() time.Duration {
	return time.Duration(n.ConfirmTimeoutMs) * time.Millisecond
}

// PollInterval returns the signature status polling cadence.
func (n Network) PollInterval() time.Duration {
	return time.Duration(n.PollIntervalMs) * time.Millisecond
}

// DelayWindow returns the randomized submission delay bounds.
func (p Protection) DelayWindow() (time.Duration, time.Duration) {
	return time.Duration(p.MinDelayMs) * time.Millisecond, time.Duration(p.MaxDelayMs) * time.Millisecond
}

// TTL returns the lock lease duration.
func (l Lock) TTL() time.Duration {
	return time.Duration(l.TTLMs) * time.Millisecond
}
