// Package dmtlog provides the runtime's single structured logger.
//
// Every non-fatal diagnostic the runtime raises (calibration gaps, non-det
// contamination, the runtime statistics summary) is routed
// through the package-level logger here instead of ad-hoc fmt.Fprintf calls,
// so a host process can redirect or filter DMT diagnostics independently of
// its own logging.
package dmtlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the process-wide runtime logger. It is safe for concurrent use (all
// of logrus's exported logging methods take an internal mutex), which
// matters here because diagnostics can be emitted from any application
// thread's wrapper call, not just from a single owner goroutine.
var L = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts verbosity.
func SetLevel(level logrus.Level) {
	L.SetLevel(level)
}
