package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path over Defaults and applies BONDSIM_*
// environment overrides. An empty path skips the file. A .env file in the
// working directory, if present, is loaded before the overrides. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// Agents from the file replace the default population rather than
		// merging into it element by element.
		agents := cfg.Simulation.Agents
		cfg.Simulation.Agents = nil
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, err
		}
		if !md.IsDefined("simulation", "agents") {
			cfg.Simulation.Agents = agents
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose BONDSIM_* variable is set and
// parses. Secrets are usually injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Log ──
	setStr(&cfg.Log.Level, "BONDSIM_LOG_LEVEL")
	setStr(&cfg.Log.File, "BONDSIM_LOG_FILE")

	// ── Simulation ──
	setInt(&cfg.Simulation.NumSteps, "BONDSIM_SIMULATION_NUM_STEPS")
	setUint64(&cfg.Simulation.RandomSeed, "BONDSIM_SIMULATION_RANDOM_SEED")
	setDecimal(&cfg.Simulation.TargetFixedAPR, "BONDSIM_SIMULATION_TARGET_FIXED_APR")
	setDecimal(&cfg.Simulation.VariableAPR, "BONDSIM_SIMULATION_VARIABLE_APR")
	setDecimal(&cfg.Simulation.TargetLiquidity, "BONDSIM_SIMULATION_TARGET_LIQUIDITY")

	// ── Store ──
	setStr(&cfg.Store.Driver, "BONDSIM_STORE_DRIVER")
	setStr(&cfg.Store.BadgerDir, "BONDSIM_STORE_BADGER_DIR")
	setStr(&cfg.Store.PostgresDSN, "BONDSIM_STORE_POSTGRES_DSN")
	setStr(&cfg.Store.PostgresDSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Store.RedisAddr, "BONDSIM_STORE_REDIS_ADDR")
	setStr(&cfg.Store.RedisPassword, "BONDSIM_STORE_REDIS_PASSWORD")
	setInt(&cfg.Store.RedisDB, "BONDSIM_STORE_REDIS_DB")
	setBool(&cfg.Store.RunMigrations, "BONDSIM_STORE_RUN_MIGRATIONS")

	// ── Server ──
	setStr(&cfg.Server.Addr, "BONDSIM_SERVER_ADDR")
	setStringSlice(&cfg.Server.CORSOrigins, "BONDSIM_SERVER_CORS_ORIGINS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BONDSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BONDSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "BONDSIM_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "BONDSIM_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "BONDSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BONDSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BONDSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BONDSIM_S3_FORCE_PATH_STYLE")

	// ── Sweep ──
	setUint64(&cfg.Sweep.StartSeed, "BONDSIM_SWEEP_START_SEED")
	setInt(&cfg.Sweep.Seeds, "BONDSIM_SWEEP_SEEDS")
	setInt(&cfg.Sweep.Parallelism, "BONDSIM_SWEEP_PARALLELISM")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
