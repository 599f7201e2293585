package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `name:"log-level" help:"Log level: debug, info, warn, error (overrides config)"`
	LogFormat string `name:"log-format" enum:"text,json" default:"text" help:"Log output format"`
	LogFile   string `name:"log-file" help:"Write logs to this file instead of stderr"`
}

// SetupLogger builds the process logger. Flags win over the configured level
// and file; fallback is where logs go when no file is set at all.
func (g *Globals) SetupLogger(level, file string, fallback io.Writer) (*log.Logger, func(), error) {
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	if g.LogFile != "" {
		file = g.LogFile
	}

	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	out := fallback
	closer := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}

	opts := log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}
	if g.LogFormat == "json" {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(out, opts), closer, nil
}
