// Package logging sets up apex/log for the command line.
package logging

import (
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/discard"
)

// New returns a logger printing to w. Verbose enables debug output, which
// includes every CONNECT exchange with the proxy.
func New(w io.Writer, verbose bool) *log.Logger {
	l := &log.Logger{
		Handler: cli.New(w),
		Level:   log.InfoLevel,
	}
	if verbose {
		l.Level = log.DebugLevel
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return &log.Logger{Handler: discard.New(), Level: log.FatalLevel}
}
