package reactor

import (
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
)

// Logger is the structured logger accepted by this package. A nil *Logger is
// valid, and discards everything.
type Logger = logiface.Logger[logiface.Event]

// Builder is a single log event under construction.
type Builder = logiface.Builder[logiface.Event]

// osExit terminates the process after a fatal condition has been logged.
// Tests replace it, in the same manner as [logiface.OsExit].
var osExit = os.Exit

// fatal logs at alert level, then terminates the process. It is reserved for
// invariant violations and environment failures that leave the engine
// unusable: wakeup/poller/socket creation, bind and listen failures, and a
// second loop on one thread.
func fatal(logger *Logger, err error, msg string) {
	if b := logger.Alert(); b.Enabled() {
		b.Err(err).Log(msg)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "reactor: FATAL: %s: %v\n", msg, err)
	}
	osExit(1)
}

// childLogger returns a sub-logger with a single string field attached, or
// nil if logger is nil.
func childLogger(logger *Logger, key, val string) *Logger {
	if c := logger.Clone(); c != nil {
		return c.Str(key, val).Logger()
	}
	return nil
}
