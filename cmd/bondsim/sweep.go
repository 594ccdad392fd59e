package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/atmx/bondsim/internal/report"
	"github.com/atmx/bondsim/internal/runner"
	"github.com/atmx/bondsim/internal/sweep"
)

func sweepCmd(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "path to TOML config file")
	name := fs.String("name", "sweep", "sweep name, used as the run name prefix")
	seeds := fs.Int("seeds", 0, "override sweep.seeds")
	start := fs.Uint64("start", 0, "override sweep.start_seed")
	parallel := fs.Int("parallel", 0, "override sweep.parallelism (0 = GOMAXPROCS)")
	persist := fs.Bool("persist", false, "store every run in the configured store")
	asJSON := fs.Bool("json", false, "print results as JSON instead of a table")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["seeds"] {
		cfg.Sweep.Seeds = *seeds
	}
	if set["start"] {
		cfg.Sweep.StartSeed = *start
	}
	if set["parallel"] {
		cfg.Sweep.Parallelism = *parallel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	closeLog := setupLogger(cfg.Log, os.Stderr)
	defer closeLog()

	simCfg, err := cfg.Simulation.SimulatorConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []sweep.Option{}
	if cfg.Sweep.Parallelism > 0 {
		opts = append(opts, sweep.WithParallelism(cfg.Sweep.Parallelism))
	}
	if *persist {
		st, closeStore, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()
		opts = append(opts, sweep.WithManager(runner.NewManager(st)))
	}

	results, err := sweep.New(opts...).Run(ctx, *name, simCfg, sweep.Seeds(cfg.Sweep.StartSeed, cfg.Sweep.Seeds))
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Results []sweep.Result `json:"results"`
			Stats   sweep.Stats    `json:"stats"`
		}{results, sweep.Aggregate(results)})
	}
	report.WriteSweep(os.Stdout, *name, results)
	return nil
}
