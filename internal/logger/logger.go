// Package logger provides a configured zerolog logger.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with the given service name, writing
// JSON lines to stderr.
func New(serviceName string) zerolog.Logger {
	return NewWithWriter(serviceName, os.Stderr)
}

// NewWithWriter is New with an explicit sink, for tests.
func NewWithWriter(serviceName string, w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}
