// Package logging builds the hclog logger shared by every component.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns a logger writing to stderr unless Output is set. Unknown levels
// fall back to info.
func New(opts Options) hclog.Logger {
	if opts.Name == "" {
		opts.Name = "leostream"
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            opts.Name,
		Level:           level,
		Output:          opts.Output,
		JSONFormat:      opts.JSON,
		IncludeLocation: level <= hclog.Debug,
	})
}

// Discard returns a logger that drops everything.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}
