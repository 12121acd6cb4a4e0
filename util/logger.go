package util

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// NewLogger builds the process-wide logger from the log section.
func NewLogger(conf LogConf) *log.Logger {
	return newLogger(os.Stderr, conf)
}

func newLogger(w io.Writer, conf LogConf) *log.Logger {
	level, err := log.ParseLevel(conf.Level)
	if err != nil {
		level = log.InfoLevel
	}
	opts := log.Options{
		Level:           level,
		Prefix:          Name,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}
	if conf.Format == "json" {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, opts)
}

// DiscardLogger returns a logger that drops everything, for tests.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}
