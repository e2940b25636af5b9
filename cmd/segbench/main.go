package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"segbench/internal/config"
	"segbench/internal/logging"
)

var (
	version = "v0.0.1-default"
	commit  = ""

	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to YAML config (optional)",
		Sources: cli.EnvVars("SEGBENCH_CONFIG"),
	}

	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level [debug, info, warn, error]",
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.SetDefaultCLILogger("info")
	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "segbench",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Usage:   "Run segmentation models over imaging volumes and score them with the Dice coefficient",
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
		},
		Commands: []*cli.Command{
			convertCmd,
			evalCmd,
			scoreCmd,
			runsCmd,
			serveCmd,
		},
	}
}

// loadConfig reads the config named by the root flags and applies o.
func loadConfig(cmd *cli.Command, o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(cmd.String(configFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.LogLevel = cmd.String(logLevelFlag.Name)
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.SetDefaultCLILogger(cfg.LogLevel)
	return cfg, nil
}

func encode(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

// parseCrop accepts "144,144,144" or "144x144x144".
func parseCrop(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == 'x' })
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid crop %q", s)
		}
		out = append(out, v)
	}
	return out, nil
}
