package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// logging levels
const (
	TRACE = "trace"
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
)

// New builds the root logger of a process. Components derive children with Named/With.
func New(name, level string, w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           ParseLevel(level),
		Output:          w,
		IncludeLocation: ParseLevel(level) <= hclog.Debug,
	})
}

// ParseLevel maps a level name to its hclog level, defaulting to info
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(strings.ToLower(strings.TrimSpace(level)))
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// OrDiscard returns logger, or a logger dropping everything when nil
func OrDiscard(logger hclog.Logger) hclog.Logger {
	if logger == nil {
		return hclog.NewNullLogger()
	}
	return logger
}
