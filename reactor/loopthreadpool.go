package reactor

import (
	"context"
	"errors"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// LoopThreadPool owns a fixed number of [LoopThread] instances, and hands
// out their loops round-robin. With zero threads, every request returns the
// base loop.
//
// Configuration, Start and NextLoop belong to the base loop's owner: they
// are not safe for concurrent use.
type LoopThreadPool struct {
	base       *Loop
	name       string
	opts       []LoopOption
	threads    []*LoopThread
	loops      []*Loop
	numThreads int
	next       int
	started    bool
}

// NewLoopThreadPool returns an unstarted pool with zero threads. Worker
// loops are constructed with opts.
func NewLoopThreadPool(base *Loop, name string, opts ...LoopOption) *LoopThreadPool {
	return &LoopThreadPool{
		base: base,
		name: name,
		opts: opts,
	}
}

// SetThreadNum sets the number of worker threads. It must be called before
// Start.
func (x *LoopThreadPool) SetThreadNum(n int) error {
	if x.started {
		return ErrPoolStarted
	}
	if n < 0 {
		return errors.New("reactor: thread count must not be negative")
	}
	x.numThreads = n
	return nil
}

// Name returns the pool's name, which prefixes each thread's name.
func (x *LoopThreadPool) Name() string { return x.name }

// Started reports whether Start has been called successfully.
func (x *LoopThreadPool) Started() bool { return x.started }

// Start launches the worker threads, named name+index, blocking until each
// of their loops is published. The init callback runs on each worker's
// thread before its loop runs, or, with zero threads, once on the base
// loop's thread (immediately if that is the caller, otherwise queued).
//
// If any thread fails to start, the threads already started are stopped.
func (x *LoopThreadPool) Start(init ThreadInitFunc) error {
	if x.started {
		return ErrPoolStarted
	}

	for i := 0; i < x.numThreads; i++ {
		t := NewLoopThread(x.name+strconv.Itoa(i), init, x.opts...)
		loop, err := t.Start()
		if err != nil {
			_ = x.stopThreads(context.Background())
			x.threads, x.loops = nil, nil
			return err
		}
		x.threads = append(x.threads, t)
		x.loops = append(x.loops, loop)
	}

	x.started = true

	if x.numThreads == 0 && init != nil {
		base := x.base
		base.ScheduleNow(func() { init(base) })
	}

	return nil
}

// NextLoop returns the next worker loop in round-robin order, or the base
// loop if there are no workers.
func (x *LoopThreadPool) NextLoop() *Loop {
	if len(x.loops) == 0 {
		return x.base
	}
	loop := x.loops[x.next]
	x.next++
	if x.next >= len(x.loops) {
		x.next = 0
	}
	return loop
}

// AllLoops returns every worker loop, or just the base loop if there are
// no workers.
func (x *LoopThreadPool) AllLoops() []*Loop {
	if len(x.loops) == 0 {
		return []*Loop{x.base}
	}
	return append([]*Loop(nil), x.loops...)
}

// Stop stops every worker thread concurrently, waiting for each to exit or
// ctx to be done.
func (x *LoopThreadPool) Stop(ctx context.Context) error {
	return x.stopThreads(ctx)
}

func (x *LoopThreadPool) stopThreads(ctx context.Context) error {
	var g errgroup.Group
	for _, t := range x.threads {
		g.Go(func() error {
			return t.Stop(ctx)
		})
	}
	return g.Wait()
}
