package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// Output is stdout (default) or stderr.
	Output string `mapstructure:"output"`

	// ConsoleTimeFormat is the timestamp layout of console output.
	ConsoleTimeFormat string `mapstructure:"console_time_format"`
	NoColor           bool   `mapstructure:"no_color"`
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}

	logger := zerolog.New(consoleOrJSON(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func consoleOrJSON(cfg Config, out io.Writer) io.Writer {
	if !cfg.PrettyPrint && !strings.EqualFold(cfg.Format, "console") {
		return out
	}
	layout := cfg.ConsoleTimeFormat
	if layout == "" {
		layout = time.RFC3339
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: layout,
		NoColor:    cfg.NoColor,
	}
}
