package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Loop is a reactor: it repeatedly waits for readiness on its registered
// event sources, dispatches their handlers, then drains its queue of
// pending tasks.
//
// A Loop is bound at construction to a [Thread], and every loop-affine
// operation (anything touching event sources or the poller) must run there.
// Other goroutines interact with a loop only through [Loop.ScheduleNow],
// [Loop.ScheduleAsync], [Loop.Wakeup] and [Loop.Stop].
type Loop struct {
	thread     *Thread
	poller     *Poller
	waker      *waker
	wakeSource *EventSource
	logger     *Logger

	// pending is appended to by any goroutine, under mu. running is owned
	// by the loop, and swapped with pending to drain it.
	pending *queue.Queue
	running *queue.Queue

	active     []*EventSource
	current    *EventSource
	pollReturn time.Time

	pollTimeout time.Duration

	mu sync.Mutex

	// wakeMu orders wakeups before the eventfd is closed, so a wakeup
	// never writes to a reused descriptor.
	wakeMu sync.RWMutex

	looping        atomic.Bool
	quit           atomic.Bool
	callingPending atomic.Bool
	closed         atomic.Bool
}

// NewLoop constructs a loop bound to thread, which must be the caller's
// own thread.
//
// Constructing a second loop for a thread that already hosts one, or
// failing to create the poller or wakeup primitive, is fatal.
func NewLoop(thread *Thread, opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	var logger *Logger
	if thread != nil {
		logger = childLogger(cfg.logger, "loop", thread.Name())
	}

	if !thread.IsCurrent() {
		fatal(logger, ErrNotInLoopThread, "loop constructed off its thread")
		return nil, ErrNotInLoopThread
	}

	l := &Loop{
		thread:      thread,
		logger:      logger,
		pending:     queue.New(),
		running:     queue.New(),
		pollTimeout: cfg.pollTimeout,
	}

	if !thread.bind(l) {
		fatal(logger, fmt.Errorf("reactor: thread %q already hosts a loop", thread.Name()), "another loop exists in this thread")
		return nil, ErrLoopRunning
	}

	if l.poller, err = newPoller(cfg.initialEvents, logger); err != nil {
		thread.unbind(l)
		fatal(logger, err, "failed to create poller")
		return nil, err
	}

	if l.waker, err = newWaker(); err != nil {
		_ = l.poller.Close()
		thread.unbind(l)
		fatal(logger, err, "failed to create wakeup eventfd")
		return nil, err
	}

	l.wakeSource = NewEventSource(l, l.waker.fd)
	l.wakeSource.SetReadHandler(l.handleWakeup)
	if err := l.wakeSource.EnableReading(); err != nil {
		_ = l.waker.close()
		_ = l.poller.Close()
		thread.unbind(l)
		fatal(logger, err, "failed to register wakeup eventfd")
		return nil, err
	}

	logger.Debug().Log("loop created")

	return l, nil
}

// Run runs the dispatch cycle until [Loop.Stop] is observed, or ctx is
// cancelled. It must be called on the loop's thread, and must not be called
// concurrently.
//
// Tasks still pending when the loop stops are run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.IsInLoopThread() {
		return ErrNotInLoopThread
	}
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.looping.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.looping.Store(false)
	defer l.quit.Store(false)

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Info().Log("loop start looping")

	for !l.quit.Load() {
		l.active = l.active[:0]
		var err error
		l.pollReturn, l.active, err = l.poller.Poll(l.pollTimeout, l.active)
		if err != nil {
			l.logger.Err().Err(err).Log("poll failed")
		}
		for _, source := range l.active {
			l.current = source
			source.dispatch(l.pollReturn)
		}
		l.current = nil
		clear(l.active)
		l.doPendingTasks()
	}

	// tasks queued concurrently with stop still run
	l.doPendingTasks()

	l.logger.Info().Log("loop stop looping")

	return ctx.Err()
}

// Stop requests that Run return after its current cycle. It may be called
// from any goroutine, and wakes the loop if called from elsewhere.
func (l *Loop) Stop() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// ScheduleNow runs fn immediately if called on the loop's thread, otherwise
// it behaves as [Loop.ScheduleAsync].
func (l *Loop) ScheduleNow(fn func()) {
	if l.IsInLoopThread() {
		fn()
	} else {
		l.ScheduleAsync(fn)
	}
}

// ScheduleAsync queues fn to run on the loop's thread, after the current
// dispatch cycle. Tasks run in the order they were queued. The loop is
// woken if the caller is another goroutine, or if the loop is currently
// draining its queue (so that fn is not left until the next poll returns).
func (l *Loop) ScheduleAsync(fn func()) {
	if l.closed.Load() {
		l.logger.Warning().Log("task scheduled on closed loop, dropped")
		return
	}

	l.mu.Lock()
	l.pending.Add(fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPending.Load() {
		l.Wakeup()
	}
}

// PendingTasks returns the number of tasks waiting to run.
func (l *Loop) PendingTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Wakeup makes a blocked poll return promptly. It is safe from any
// goroutine, and does nothing once the loop is closed.
func (l *Loop) Wakeup() {
	l.wakeMu.RLock()
	defer l.wakeMu.RUnlock()
	if l.closed.Load() {
		return
	}
	if err := l.waker.wake(); err != nil {
		l.logger.Err().Err(err).Log("wakeup write failed")
	}
}

// IsInLoopThread reports whether the caller is on the loop's thread.
func (l *Loop) IsInLoopThread() bool {
	return l.thread.IsCurrent()
}

// AssertInLoopThread returns [ErrNotInLoopThread], after logging it, if the
// caller is not on the loop's thread.
func (l *Loop) AssertInLoopThread() error {
	if l.IsInLoopThread() {
		return nil
	}
	l.logger.Err().
		Uint64("loop_goroutine", l.thread.gid).
		Uint64("current_goroutine", goroutineID()).
		Log("loop accessed from a foreign thread")
	return ErrNotInLoopThread
}

// Thread returns the thread the loop is bound to.
func (l *Loop) Thread() *Thread { return l.thread }

// Name returns the name of the loop's thread.
func (l *Loop) Name() string { return l.thread.Name() }

// Logger returns the loop's logger, which may be nil.
func (l *Loop) Logger() *Logger { return l.logger }

// PollReturnTime returns the time at which the most recent poll returned.
// Loop thread only.
func (l *Loop) PollReturnTime() time.Time { return l.pollReturn }

// HasSource reports whether source is registered with this loop's poller.
// Loop thread only.
func (l *Loop) HasSource(source *EventSource) bool {
	if err := l.AssertInLoopThread(); err != nil {
		return false
	}
	return l.poller.HasSource(source)
}

// Close releases the poller and wakeup primitive, and unbinds the loop from
// its thread. It must be called on the loop's thread, after Run has
// returned.
func (l *Loop) Close() error {
	if err := l.AssertInLoopThread(); err != nil {
		return err
	}
	if l.looping.Load() {
		return ErrLoopRunning
	}
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLoopClosed
	}

	var errs []error
	if err := l.wakeSource.DisableAll(); err != nil {
		errs = append(errs, err)
	}
	if err := l.wakeSource.Withdraw(); err != nil {
		errs = append(errs, err)
	}
	l.wakeMu.Lock()
	if err := l.waker.close(); err != nil {
		errs = append(errs, err)
	}
	l.wakeMu.Unlock()
	if err := l.poller.Close(); err != nil {
		errs = append(errs, err)
	}
	l.thread.unbind(l)

	l.logger.Debug().Log("loop closed")

	return errors.Join(errs...)
}

func (l *Loop) updateSource(source *EventSource) error {
	if source.loop != l {
		return fmt.Errorf("reactor: source fd %d belongs to another loop", source.fd)
	}
	if err := l.AssertInLoopThread(); err != nil {
		return err
	}
	return l.poller.UpdateSource(source)
}

func (l *Loop) removeSource(source *EventSource) error {
	if source.loop != l {
		return fmt.Errorf("reactor: source fd %d belongs to another loop", source.fd)
	}
	if err := l.AssertInLoopThread(); err != nil {
		return err
	}
	return l.poller.RemoveSource(source)
}

func (l *Loop) handleWakeup(time.Time) {
	n, err := l.waker.drain()
	if err != nil {
		if !isTemporary(err) {
			l.logger.Err().Err(err).Log("wakeup read failed")
		}
		return
	}
	if n != 8 {
		l.logger.Err().Int("bytes", n).Log("wakeup read short")
	}
}

// doPendingTasks swaps the pending queue out under the lock, then runs the
// tasks without it, so tasks may schedule further tasks.
func (l *Loop) doPendingTasks() {
	l.callingPending.Store(true)
	defer l.callingPending.Store(false)

	l.mu.Lock()
	l.pending, l.running = l.running, l.pending
	l.mu.Unlock()

	for l.running.Length() > 0 {
		fn := l.running.Remove().(func())
		fn()
	}
}
