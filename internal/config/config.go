// Package config loads the engine's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/leverage-engine/internal/adapter"
	"github.com/atmx/leverage-engine/internal/model"
	"github.com/atmx/leverage-engine/internal/oracle"
)

// Config captures the runtime settings for the leverage engine.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Coordinator model.GlobalConfig `yaml:"coordinator"`
	// Authority and Treasury are base58 accounts, or "seed:<name>" for a
	// derived one.
	Authority string `yaml:"authority"`
	Treasury  string `yaml:"treasury"`
	// NeutralTokens are symbols that never link two pairs for the exposure
	// cap, typically the stable quote tokens.
	NeutralTokens []string         `yaml:"neutral_tokens"`
	Keeper        KeeperConfig     `yaml:"keeper"`
	API           APIConfig        `yaml:"api"`
	Simulation    SimulationConfig `yaml:"simulation"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// KeeperConfig controls the health keeper.
type KeeperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"`
	Workers     int           `yaml:"workers"`
	FractionBps uint64        `yaml:"fraction_bps"`
	Caller      string        `yaml:"caller"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
}

// APIConfig bounds mutating requests.
type APIConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// SimulationConfig seeds the in-process venue.
type SimulationConfig struct {
	Pairs    []PairSeed    `yaml:"pairs"`
	Oracles  []string      `yaml:"oracles"`
	Flash    []FlashSeed   `yaml:"flash"`
	Lending  []LendingSeed `yaml:"lending"`
	Balances []BalanceSeed `yaml:"balances"`
}

// PairSeed is a pair and its starting price, 1e6-scaled B per A.
type PairSeed struct {
	Base          string `yaml:"base"`
	Quote         string `yaml:"quote"`
	Price         uint64 `yaml:"price"`
	ConfidenceBps uint64 `yaml:"confidence_bps"`
}

// FlashSeed funds a short-loan program's reserve.
type FlashSeed struct {
	Provider string `yaml:"provider"`
	Token    string `yaml:"token"`
	Amount   uint64 `yaml:"amount"`
}

// LendingSeed funds a lending market.
type LendingSeed struct {
	Provider string `yaml:"provider"`
	Token    string `yaml:"token"`
	Supply   uint64 `yaml:"supply"`
}

// BalanceSeed mints tokens to an account.
type BalanceSeed struct {
	Account string `yaml:"account"`
	Token   string `yaml:"token"`
	Amount  uint64 `yaml:"amount"`
}

// Load reads the YAML configuration from disk and validates the result.
// An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is a single SOL/USDC market on the simulated venue.
func Default() Config {
	cfg := Config{
		Authority:     "seed:authority",
		Treasury:      "seed:treasury",
		NeutralTokens: []string{"USDC"},
		Keeper: KeeperConfig{
			Enabled:     true,
			FractionBps: 5_000,
			Caller:      "seed:keeper",
		},
		Simulation: SimulationConfig{
			Pairs:   []PairSeed{{Base: "SOL", Quote: "USDC", Price: 100_000_000, ConfidenceBps: 10}},
			Oracles: []string{"pyth", "chainlink"},
			Flash: []FlashSeed{
				{Provider: "solend", Token: "USDC", Amount: 1_000_000_000_000},
				{Provider: "kamino", Token: "USDC", Amount: 1_000_000_000_000},
			},
			Lending: []LendingSeed{
				{Provider: "solend-lending", Token: "USDC", Supply: 1_000_000_000_000},
				{Provider: "kamino-lending", Token: "USDC", Supply: 1_000_000_000_000},
			},
		},
	}
	cfg.normalize()
	return cfg
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Server.Port = strings.TrimSpace(cfg.Server.Port)
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	def := model.DefaultConfig()
	c := &cfg.Coordinator
	if c.MaxLeverageBps == 0 {
		c.MaxLeverageBps = def.MaxLeverageBps
	}
	if c.MaxSlippageBps == 0 {
		c.MaxSlippageBps = def.MaxSlippageBps
	}
	if c.LiquidationThresholdBps == 0 {
		c.LiquidationThresholdBps = def.LiquidationThresholdBps
	}
	if c.ProtocolFeeBps == 0 {
		c.ProtocolFeeBps = def.ProtocolFeeBps
	}
	if c.MinPositionValue == 0 {
		c.MinPositionValue = def.MinPositionValue
	}
	if c.MaxPositionValue == 0 {
		c.MaxPositionValue = def.MaxPositionValue
	}
	if c.MaxOracleStalenessS == 0 {
		c.MaxOracleStalenessS = def.MaxOracleStalenessS
	}
	if c.MaxOracleDeviationBps == 0 {
		c.MaxOracleDeviationBps = def.MaxOracleDeviationBps
	}
	if c.MaxOracleConfidenceBps == 0 {
		c.MaxOracleConfidenceBps = def.MaxOracleConfidenceBps
	}

	cfg.Authority = strings.TrimSpace(cfg.Authority)
	cfg.Treasury = strings.TrimSpace(cfg.Treasury)
	for i := range cfg.NeutralTokens {
		cfg.NeutralTokens[i] = strings.ToUpper(strings.TrimSpace(cfg.NeutralTokens[i]))
	}

	k := &cfg.Keeper
	k.Schedule = strings.TrimSpace(k.Schedule)
	if k.Schedule == "" {
		k.Schedule = "*/10 * * * * *"
	}
	if k.Workers <= 0 {
		k.Workers = 4
	}
	if k.FractionBps == 0 {
		k.FractionBps = 10_000
	}
	if k.RunTimeout <= 0 {
		k.RunTimeout = 25 * time.Second
	}

	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 20
	}
	for i := range cfg.Simulation.Pairs {
		p := &cfg.Simulation.Pairs[i]
		p.Base = strings.ToUpper(strings.TrimSpace(p.Base))
		p.Quote = strings.ToUpper(strings.TrimSpace(p.Quote))
	}
	for i := range cfg.Simulation.Oracles {
		cfg.Simulation.Oracles[i] = strings.ToLower(strings.TrimSpace(cfg.Simulation.Oracles[i]))
	}
	if len(cfg.Simulation.Oracles) == 0 {
		cfg.Simulation.Oracles = []string{"pyth"}
	}
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("configuration is missing")
	}
	if err := cfg.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if _, err := ParseAccount(cfg.Authority); err != nil {
		return fmt.Errorf("authority: %w", err)
	}
	if _, err := ParseAccount(cfg.Treasury); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if cfg.Keeper.FractionBps > 10_000 {
		return fmt.Errorf("keeper: fraction_bps %d above 10000", cfg.Keeper.FractionBps)
	}
	if cfg.Keeper.Enabled {
		if _, err := ParseAccount(cfg.Keeper.Caller); err != nil {
			return fmt.Errorf("keeper: caller: %w", err)
		}
	}
	if cfg.API.RatePerSecond < 0 {
		return fmt.Errorf("api: rate_per_second must not be negative")
	}
	for i, p := range cfg.Simulation.Pairs {
		if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
			return fmt.Errorf("simulation: pairs[%d]: base and quote must be distinct symbols", i)
		}
		if p.Price == 0 {
			return fmt.Errorf("simulation: pairs[%d]: price must be positive", i)
		}
	}
	for i, name := range cfg.Simulation.Oracles {
		if _, ok := oracle.Weights[name]; !ok {
			return fmt.Errorf("simulation: oracles[%d]: unknown feed %q", i, name)
		}
	}
	for i, b := range cfg.Simulation.Balances {
		if _, err := ParseAccount(b.Account); err != nil {
			return fmt.Errorf("simulation: balances[%d]: %w", i, err)
		}
	}
	return nil
}

// ParseAccount resolves a configured account: "seed:<name>" derives one,
// anything else must be base58.
func ParseAccount(s string) (adapter.Account, error) {
	if name, ok := strings.CutPrefix(s, "seed:"); ok {
		if name == "" {
			return adapter.Account{}, errors.New("empty seed")
		}
		return adapter.DeriveAccount(name), nil
	}
	if s == "" {
		return adapter.Account{}, errors.New("account required")
	}
	return adapter.ParseAccount(s)
}

// Token resolves a symbol to its derived mint.
func Token(symbol string) adapter.Token {
	return adapter.DeriveToken(strings.ToUpper(symbol))
}

// Pair resolves a seeded pair.
func (p PairSeed) Pair() adapter.Pair {
	return adapter.Pair{A: Token(p.Base), B: Token(p.Quote)}
}
