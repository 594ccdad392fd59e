// Package config defines the bondsim configuration file and converts its
// simulation section into a simulator.Config.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/export"
	"github.com/atmx/bondsim/internal/market"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/simulator"
	"github.com/atmx/bondsim/internal/term"
	"github.com/atmx/bondsim/internal/yieldspace"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then overridden by BONDSIM_* environment variables. Decimal values are
// written as quoted strings.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Simulation SimulationConfig `toml:"simulation"`
	Store      StoreConfig      `toml:"store"`
	Server     ServerConfig     `toml:"server"`
	S3         S3Config         `toml:"s3"`
	Sweep      SweepConfig      `toml:"sweep"`
}

// LogConfig controls the process logger. File enables a rotated log file in
// addition to stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SimulationConfig is the file form of simulator.Config. Terms are written
// like "365d" or "1y".
type SimulationConfig struct {
	NumSteps         int       `toml:"num_steps"`
	Step             term.Term `toml:"step"`
	PositionDuration term.Term `toml:"position_duration"`

	InitialSharePrice    decimal.Decimal `toml:"initial_share_price"`
	InitialShareReserves decimal.Decimal `toml:"initial_share_reserves"`
	InitialBondReserves  decimal.Decimal `toml:"initial_bond_reserves"`
	TargetLiquidity      decimal.Decimal `toml:"target_liquidity"`
	TargetFixedAPR       decimal.Decimal `toml:"target_fixed_apr"`
	TimeStretch          decimal.Decimal `toml:"time_stretch"`
	VariableAPR          decimal.Decimal `toml:"variable_apr"`
	ReserveFloor         decimal.Decimal `toml:"reserve_floor"`

	Fees        yieldspace.Fees             `toml:"fees"`
	ClosePolicy market.ClosePolicy          `toml:"close_policy"`
	Limits      simulator.LimitsConfig      `toml:"limits"`
	RandomSeed  uint64                      `toml:"random_seed"`
	Agents      []simulator.AgentAssignment `toml:"agents"`
}

// StoreConfig selects where runs are persisted.
type StoreConfig struct {
	// Driver is one of memory, badger or postgres.
	Driver      string `toml:"driver"`
	BadgerDir   string `toml:"badger_dir"`
	PostgresDSN string `toml:"postgres_dsn"`
	// RedisAddr enables the read-through cache in front of postgres.
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	CacheTTLSec   int    `toml:"cache_ttl_sec"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

// S3Config holds S3-compatible archive parameters. Exports are skipped when
// Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Enabled reports whether an archive bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Export converts c into the export package's client settings.
func (c S3Config) Export() export.S3Config {
	return export.S3Config{
		Endpoint:       c.Endpoint,
		Region:         c.Region,
		Bucket:         c.Bucket,
		Prefix:         c.Prefix,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		UseSSL:         c.UseSSL,
		ForcePathStyle: c.ForcePathStyle,
	}
}

// SweepConfig controls the sweep subcommand.
type SweepConfig struct {
	StartSeed   uint64 `toml:"start_seed"`
	Seeds       int    `toml:"seeds"`
	Parallelism int    `toml:"parallelism"`
}

// Defaults returns a Config that runs a one-year market at a 5% target rate
// with a small mixed population, persisted in memory.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Simulation: SimulationConfig{
			NumSteps:          365,
			Step:              term.MustParse("1d"),
			PositionDuration:  term.MustParse("365d"),
			InitialSharePrice: decimal.NewFromInt(1),
			TargetLiquidity:   decimal.NewFromInt(10_000_000),
			TargetFixedAPR:    decimal.RequireFromString("0.05"),
			VariableAPR:       decimal.RequireFromString("0.03"),
			Fees: yieldspace.Fees{
				Curve: decimal.RequireFromString("0.1"),
				Flat:  decimal.RequireFromString("0.0005"),
			},
			RandomSeed: 1,
			Agents: []simulator.AgentAssignment{
				{Policy: policy.NameRandomTrader, Count: 8, Budget: decimal.NewFromInt(100_000)},
				{Policy: policy.NameArbitrageSeeker, Count: 2, Budget: decimal.NewFromInt(1_000_000)},
				{Policy: policy.NameLiquidityProvider, Count: 1, Budget: decimal.NewFromInt(1_000_000)},
			},
		},
		Store: StoreConfig{
			Driver:      "memory",
			BadgerDir:   "data/badger",
			CacheTTLSec: 300,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Sweep: SweepConfig{
			StartSeed: 1,
			Seeds:     16,
		},
	}
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if _, err := c.Simulation.SimulatorConfig(); err != nil {
		errs = append(errs, "simulation: "+err.Error())
	}

	switch c.Store.Driver {
	case "memory":
	case "badger":
		if c.Store.BadgerDir == "" {
			errs = append(errs, "store: badger_dir must not be empty for the badger driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "store: postgres_dsn must not be empty for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, badger, postgres)", c.Store.Driver))
	}
	if c.Store.RedisAddr != "" && c.Store.Driver != "postgres" {
		errs = append(errs, "store: redis_addr requires the postgres driver")
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}

	if c.S3.Enabled() {
		if err := c.S3.Export().Validate(); err != nil {
			errs = append(errs, "s3: "+err.Error())
		}
	}

	if c.Sweep.Seeds < 1 {
		errs = append(errs, "sweep: seeds must be >= 1")
	}
	if c.Sweep.Parallelism < 0 {
		errs = append(errs, "sweep: parallelism must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SimulatorConfig converts the file form into a validated simulator.Config.
func (s SimulationConfig) SimulatorConfig() (simulator.Config, error) {
	cfg := simulator.Config{
		NumSteps:             s.NumSteps,
		StepDays:             s.Step.Days,
		PositionDuration:     s.PositionDuration.Days,
		InitialSharePrice:    s.InitialSharePrice,
		InitialShareReserves: s.InitialShareReserves,
		InitialBondReserves:  s.InitialBondReserves,
		TargetLiquidity:      s.TargetLiquidity,
		TargetFixedAPR:       s.TargetFixedAPR,
		TimeStretch:          s.TimeStretch,
		VariableAPR:          s.VariableAPR,
		Fees:                 s.Fees,
		ReserveFloor:         s.ReserveFloor,
		ClosePolicy:          s.ClosePolicy,
		Limits:               s.Limits,
		RandomSeed:           s.RandomSeed,
		Agents:               s.Agents,
	}
	if err := cfg.Validate(); err != nil {
		return simulator.Config{}, err
	}
	return cfg, nil
}
