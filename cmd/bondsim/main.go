// Command bondsim runs fixed-rate bond market simulations.
//
//	bondsim run   [-config file] [-seed n] [-steps n] [-out file] [-archive]
//	bondsim sweep [-config file] [-seeds n] [-start n] [-parallel n] [-persist]
//	bondsim serve [-config file] [-addr :8080]
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/bondsim/internal/config"
)

const usage = `usage: bondsim <command> [flags]

commands:
  run     run one simulation and print a report
  sweep   run the configured simulation over many seeds in parallel
  serve   start the HTTP API, WebSocket feed and metrics endpoint

Run "bondsim <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(args)
	case "sweep":
		err = sweepCmd(args)
	case "serve":
		err = serveCmd(args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "bondsim: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("bondsim failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs a JSON slog logger writing to console and, when
// configured, a rotated log file. The returned func closes the file.
func setupLogger(cfg config.LogConfig, console io.Writer) func() {
	writers := []io.Writer{console}
	closeFn := func() {}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closeFn = func() { lj.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}))
	slog.SetDefault(logger)
	return closeFn
}

// setFlags reports which flags were given on the command line, so an
// explicit zero still overrides the config file.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
