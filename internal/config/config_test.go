package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/simulator"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bondsim.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	sc, err := cfg.Simulation.SimulatorConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !sc.StepDays.Equal(d("1")) || !sc.PositionDuration.Equal(d("365")) {
		t.Errorf("step=%s duration=%s", sc.StepDays, sc.PositionDuration)
	}
	if sc.NumAgents() != 11 {
		t.Errorf("agents = %d, want 11", sc.NumAgents())
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
[log]
level = "debug"

[simulation]
num_steps = 30
step = "1w"
position_duration = "6m"
target_fixed_apr = "0.08"
random_seed = 42

[simulation.fees]
curve = "0.05"
flat = "0"

[simulation.close_policy]
early_close_penalty = "0.01"

[[simulation.agents]]
policy = "arbitrage"
count = 3
budget = "50000"
params = { trade_amount = "500", high_fixed_rate_thresh = "0.1", low_fixed_rate_thresh = "0.02" }

[store]
driver = "badger"
badger_dir = "/tmp/bondsim"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Log.MaxBackups != 3 {
		t.Errorf("unset fields keep defaults, max_backups = %d", cfg.Log.MaxBackups)
	}

	sc, err := cfg.Simulation.SimulatorConfig()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"step days", sc.StepDays, d("7")},
		{"position duration", sc.PositionDuration, d("180")},
		{"target apr", sc.TargetFixedAPR, d("0.08")},
		{"variable apr default", sc.VariableAPR, d("0.03")},
		{"curve fee", sc.Fees.Curve, d("0.05")},
		{"penalty", sc.ClosePolicy.EarlyClosePenalty, d("0.01")},
		{"high thresh", sc.Agents[0].Params.HighRate, d("0.1")},
	}
	for _, tt := range tests {
		if !tt.got.Equal(tt.want) {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}
	if sc.NumSteps != 30 || sc.RandomSeed != 42 {
		t.Errorf("steps=%d seed=%d", sc.NumSteps, sc.RandomSeed)
	}
	if len(sc.Agents) != 1 || sc.Agents[0].Policy != policy.NameArbitrageSeeker || sc.Agents[0].Count != 3 {
		t.Errorf("agents = %+v, want the file's population only", sc.Agents)
	}
	if cfg.Store.Driver != "badger" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
}

func TestLoad_KeepsDefaultAgents(t *testing.T) {
	cfg, err := Load(writeFile(t, "[simulation]\nnum_steps = 5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Simulation.Agents) != 3 {
		t.Errorf("agents = %d, want the 3 default assignments", len(cfg.Simulation.Agents))
	}
}

func TestLoad_BadTerm(t *testing.T) {
	_, err := Load(writeFile(t, "[simulation]\nstep = \"3x\"\n"))
	if err == nil {
		t.Fatal("expected error for bad term")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BONDSIM_SIMULATION_NUM_STEPS", "12")
	t.Setenv("BONDSIM_SIMULATION_RANDOM_SEED", "99")
	t.Setenv("BONDSIM_SIMULATION_VARIABLE_APR", "0.045")
	t.Setenv("BONDSIM_STORE_DRIVER", "postgres")
	t.Setenv("BONDSIM_STORE_POSTGRES_DSN", "postgres://localhost/bondsim")
	t.Setenv("BONDSIM_SERVER_CORS_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("BONDSIM_S3_FORCE_PATH_STYLE", "true")
	t.Setenv("BONDSIM_SWEEP_SEEDS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Simulation.NumSteps != 12 || cfg.Simulation.RandomSeed != 99 {
		t.Errorf("steps=%d seed=%d", cfg.Simulation.NumSteps, cfg.Simulation.RandomSeed)
	}
	if !cfg.Simulation.VariableAPR.Equal(d("0.045")) {
		t.Errorf("variable apr = %s", cfg.Simulation.VariableAPR)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresDSN != "postgres://localhost/bondsim" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, "|"); got != "http://a.test|http://b.test" {
		t.Errorf("cors = %q", got)
	}
	if !cfg.S3.ForcePathStyle {
		t.Error("force path style not applied")
	}
	if cfg.Sweep.Seeds != 16 {
		t.Errorf("unparseable override should be ignored, seeds = %d", cfg.Sweep.Seeds)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "loud"
	cfg.Simulation.NumSteps = 0
	cfg.Store.Driver = "sqlite"
	cfg.Store.RedisAddr = "localhost:6379"
	cfg.Server.Addr = ""
	cfg.S3.Bucket = "archive"
	cfg.S3.Region = ""
	cfg.Sweep.Seeds = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log:", "num_steps", "unknown driver", "redis_addr", "server:", "s3:", "sweep:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestSimulatorConfig_Error(t *testing.T) {
	sim := Defaults().Simulation
	sim.Agents = append(sim.Agents, simulator.AgentAssignment{Policy: "", Count: 1})
	_, err := sim.SimulatorConfig()
	if !errors.Is(err, simulator.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestS3Export(t *testing.T) {
	c := S3Config{Bucket: "b", Region: "r", Prefix: "p", ForcePathStyle: true}
	if !c.Enabled() {
		t.Fatal("bucket set, should be enabled")
	}
	e := c.Export()
	if e.Bucket != "b" || e.Prefix != "p" || !e.ForcePathStyle {
		t.Errorf("export = %+v", e)
	}
	if (S3Config{}).Enabled() {
		t.Error("empty bucket should disable export")
	}
}
