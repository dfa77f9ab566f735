package reactor

import (
	"context"
	"fmt"
	"sync"
)

// ThreadInitFunc is called on a loop's own thread, after the loop is
// constructed and before it starts running.
type ThreadInitFunc func(loop *Loop)

// LoopThread hosts one [Loop] on a dedicated, OS thread locked goroutine.
type LoopThread struct {
	init ThreadInitFunc
	loop *Loop
	err  error
	done chan struct{}
	name string
	opts []LoopOption
	mu   sync.Mutex
}

// NewLoopThread returns a LoopThread, which starts nothing until
// [LoopThread.Start] is called.
func NewLoopThread(name string, init ThreadInitFunc, opts ...LoopOption) *LoopThread {
	return &LoopThread{
		init: init,
		done: make(chan struct{}),
		name: name,
		opts: opts,
	}
}

// Name returns the name of the hosting thread.
func (x *LoopThread) Name() string { return x.name }

// Start spawns the hosting goroutine, and blocks until its loop has been
// constructed (and the init callback has returned), returning that loop.
// The loop is running, or about to run, when Start returns.
func (x *LoopThread) Start() (*Loop, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.loop != nil {
		return nil, fmt.Errorf("%w: %s", ErrLoopRunning, x.name)
	}
	select {
	case <-x.done:
		return nil, fmt.Errorf("%w: %s", ErrThreadStopped, x.name)
	default:
	}

	handoff := make(chan *Loop, 1)
	go x.run(handoff)

	loop, ok := <-handoff
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", ErrThreadStopped, x.name, x.err)
	}
	x.loop = loop
	return loop, nil
}

func (x *LoopThread) run(handoff chan<- *Loop) {
	defer close(x.done)

	thread := LockThread(x.name)
	defer thread.Unlock()

	loop, err := NewLoop(thread, x.opts...)
	if err != nil {
		x.err = err
		close(handoff)
		return
	}

	if x.init != nil {
		x.init(loop)
	}

	handoff <- loop

	if err := loop.Run(context.Background()); err != nil {
		loop.Logger().Err().Err(err).Log("loop thread run failed")
	}
	if err := loop.Close(); err != nil {
		loop.Logger().Err().Err(err).Log("loop thread close failed")
	}
}

// Loop returns the hosted loop, or nil if the thread has not started.
func (x *LoopThread) Loop() *Loop {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loop
}

// Done is closed once the hosting goroutine has exited.
func (x *LoopThread) Done() <-chan struct{} { return x.done }

// Stop asks the hosted loop to stop, then waits for the hosting goroutine
// to exit, or ctx to be done. Stopping a thread that was never started is
// a no-op.
func (x *LoopThread) Stop(ctx context.Context) error {
	loop := x.Loop()
	if loop == nil {
		return nil
	}
	loop.Stop()
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
