package reactor

import (
	"errors"
)

// Standard errors.
var (
	// ErrLoopRunning is returned when Run is called on a loop that is already running.
	ErrLoopRunning = errors.New("reactor: loop is already running")

	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop has been closed")

	// ErrNotInLoopThread is returned when a loop-affine operation is attempted
	// from a goroutine other than the one hosting the loop.
	ErrNotInLoopThread = errors.New("reactor: not in loop thread")

	// ErrPoolStarted is returned when a LoopThreadPool is started twice, or
	// reconfigured after being started.
	ErrPoolStarted = errors.New("reactor: pool already started")

	// ErrThreadStopped is returned by LoopThread.Start if the hosted loop
	// could not be published, e.g. because construction failed.
	ErrThreadStopped = errors.New("reactor: loop thread stopped")

	// ErrSourceNotRegistered is returned when a source is not known to the poller.
	ErrSourceNotRegistered = errors.New("reactor: event source not registered")
)

// isTemporary reports whether err means "try again on the next readiness
// report", i.e. would-block or an interrupted system call.
func isTemporary(err error) bool {
	return errors.Is(err, errWouldBlock) || errors.Is(err, errInterrupted)
}
