package bootstrap

import (
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// stdoutWriter keeps log output on stdout regardless of how callers
// redirect stderr. Charm cannot detect a TTY through a wrapped writer,
// so the color profile is pinned explicitly below.
type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

// NewLogger builds the process logger. Debug switches the level and
// turns on caller reporting.
func NewLogger(debug bool) *log.Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	logger := log.NewWithOptions(stdoutWriter{}, log.Options{
		ReportCaller:    debug,
		ReportTimestamp: true,
		Level:           level,
		TimeFormat:      time.Kitchen,
	})
	logger.SetColorProfile(lipgloss.ColorProfile())

	return logger
}
