// Package log builds the process-wide go-ethereum log.Logger from CLI
// flags: level, human/terminal vs JSON format, and color, matching the
// logging setup shared by every service in this corpus.
package log

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/op-supervisor-x/op-service"
)

const (
	LevelFlagName  = "log.level"
	FormatFlagName = "log.format"
	ColorFlagName  = "log.color"
)

func CLIFlags(envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    LevelFlagName,
			Usage:   "The lowest log level that will be output",
			Value:   "info",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    FormatFlagName,
			Usage:   `Format the log output. Supported formats: "terminal", "json"`,
			Value:   "terminal",
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    ColorFlagName,
			Usage:   "Color the log output if in terminal mode",
			Value:   true,
			EnvVars: opservice.PrefixEnvVar(envPrefix, "LOG_COLOR"),
		},
	}
}

type CLIConfig struct {
	Level  string
	Format string // "terminal" or "json"
	Color  bool
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{Level: "info", Format: "terminal", Color: true}
}

func (c CLIConfig) Check() error {
	if _, err := log.LvlFromString(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "terminal", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

func ReadCLIConfig(ctx *cli.Context) CLIConfig {
	return CLIConfig{
		Level:  ctx.String(LevelFlagName),
		Format: ctx.String(FormatFlagName),
		Color:  ctx.Bool(ColorFlagName),
	}
}

// ReadTestCLIConfig builds a quiet, deterministic config for test binaries
// that parse flags (e.g. load-test harnesses) without a full cli.Context.
func ReadTestCLIConfig() CLIConfig {
	return CLIConfig{Level: "crit", Format: "terminal", Color: false}
}

// NewLogger constructs the root logger per CLIConfig and installs it as
// the go-ethereum default, matching op-service's convention of a single
// process-wide logger threaded explicitly into every component.
func NewLogger(cfg CLIConfig) (log.Logger, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	lvl, err := log.LvlFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	var handler log.Handler
	switch cfg.Format {
	case "json":
		handler = log.JSONHandler(os.Stdout)
	default:
		handler = log.NewTerminalHandler(os.Stdout, cfg.Color)
	}

	logger := log.NewLogger(log.LvlFilterHandler(lvl, handler))
	log.SetDefault(logger)
	return logger, nil
}
