package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atmx/bondsim/internal/export"
	"github.com/atmx/bondsim/internal/report"
	"github.com/atmx/bondsim/internal/runner"
	"github.com/atmx/bondsim/internal/simulator"
)

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to TOML config file")
	name := fs.String("name", "", "run name (defaults to run-<seed>)")
	seed := fs.Uint64("seed", 0, "override simulation.random_seed")
	steps := fs.Int("steps", 0, "override simulation.num_steps")
	out := fs.String("out", "", "write step records to this JSONL file")
	archive := fs.Bool("archive", false, "upload step records to the configured S3 bucket")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["seed"] {
		cfg.Simulation.RandomSeed = *seed
	}
	if set["steps"] {
		cfg.Simulation.NumSteps = *steps
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
	if *name == "" {
		*name = fmt.Sprintf("run-%d", simCfg.RandomSeed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archiver *export.Archiver
	if *archive {
		if !cfg.S3.Enabled() {
			return errors.New("-archive needs s3.bucket to be configured")
		}
		if archiver, err = export.NewArchiver(ctx, cfg.S3.Export(), slog.Default()); err != nil {
			return err
		}
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	run, sim, runErr := runner.NewManager(st).RunSync(ctx, *name, simCfg)
	if sim == nil {
		return runErr
	}

	records := sim.Records()
	report.WriteRun(os.Stdout, report.Summarize(*name, string(run.Status), records))
	fmt.Printf("run id: %s\n", run.ID)

	if *out != "" {
		if err := export.WriteFile(*out, records); err != nil {
			return err
		}
		slog.Info("step records written", "path", *out, "steps", len(records))
	}
	if archiver != nil && len(records) > 0 {
		if _, err := archiver.ArchiveRun(ctx, run.ID, records); err != nil {
			return err
		}
	}

	var fatal *simulator.FatalError
	if errors.As(runErr, &fatal) {
		return fmt.Errorf("simulation failed after step %d: %w", fatal.LastStep, fatal.Err)
	}
	return runErr
}
