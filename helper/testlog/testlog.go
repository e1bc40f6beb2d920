// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer that forwards to t.Logf.
func NewWriter(t Logger) io.Writer {
	return &writer{t}
}

// HCLogger returns an hclog.Logger at trace level whose output lands in the
// test log.
func HCLogger(t Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:  hclog.Trace,
		Output: NewWriter(t),
	})
}
