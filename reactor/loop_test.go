package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLockThread_sameGoroutineSameHandle(t *testing.T) {
	a := LockThread("a")
	defer a.Unlock()
	b := LockThread("b")
	defer b.Unlock()
	assert.Same(t, a, b)
	assert.Equal(t, "a", b.Name())
	assert.True(t, a.IsCurrent())

	other := make(chan *Thread)
	go func() {
		th := LockThread("other")
		defer th.Unlock()
		other <- th
	}()
	assert.NotSame(t, a, <-other)
}

func TestLockThread_unlockFromForeignGoroutinePanics(t *testing.T) {
	th := LockThread(t.Name())
	defer th.Unlock()
	done := make(chan any)
	go func() {
		defer func() { done <- recover() }()
		th.Unlock()
	}()
	assert.NotNil(t, <-done)
}

func TestNewLoop_bindsThread(t *testing.T) {
	loop := newTestLoop(t)
	assert.Same(t, loop, loop.Thread().Loop())
	assert.True(t, loop.IsInLoopThread())
	assert.NoError(t, loop.AssertInLoopThread())
	assert.Equal(t, t.Name(), loop.Name())
}

func TestNewLoop_secondLoopOnThreadIsFatal(t *testing.T) {
	interceptFatal(t)
	var out syncBuffer
	loop := newTestLoop(t, WithLogger(newTestLogger(&out)))

	require.PanicsWithValue(t, fatalExit(1), func() {
		_, _ = NewLoop(loop.Thread())
	})
	assert.Same(t, loop, loop.Thread().Loop(), "the first loop keeps the thread")
}

func TestNewLoop_offThreadIsFatal(t *testing.T) {
	interceptFatal(t)
	th := LockThread(t.Name())
	defer th.Unlock()

	done := make(chan any)
	go func() {
		defer func() { done <- recover() }()
		_, _ = NewLoop(th)
	}()
	assert.Equal(t, fatalExit(1), <-done)
	assert.Nil(t, th.Loop())
}

func TestNewLoop_invalidOptions(t *testing.T) {
	th := LockThread(t.Name())
	defer th.Unlock()
	_, err := NewLoop(th, WithPollTimeout(0))
	assert.Error(t, err)
	_, err = NewLoop(th, WithInitialEventCapacity(-1))
	assert.Error(t, err)
	assert.Nil(t, th.Loop())
}

func TestLoop_closeReleasesThread(t *testing.T) {
	th := LockThread(t.Name())
	defer th.Unlock()

	loop, err := NewLoop(th)
	require.NoError(t, err)
	require.NoError(t, loop.Close())
	assert.Nil(t, th.Loop())
	assert.ErrorIs(t, loop.Close(), ErrLoopClosed)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopClosed)

	// a new loop may now be bound
	loop2, err := NewLoop(th)
	require.NoError(t, err)
	require.NoError(t, loop2.Close())
}

func TestLoop_wakeupAfterCloseLeavesReusedDescriptorAlone(t *testing.T) {
	lt := NewLoopThread(t.Name(), nil)
	loop, err := lt.Start()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, lt.Stop(ctx))
	wakeFD := loop.waker.fd

	// give the closed eventfd's number to one end of a socket pair, and
	// watch the other end
	a, b := newSocketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	var other int
	switch wakeFD {
	case a:
		other = b
	case b:
		other = a
	default:
		_, err := unix.FcntlInt(uintptr(wakeFD), unix.F_GETFD, 0)
		require.ErrorIs(t, err, unix.EBADF, "descriptor %d unexpectedly in use", wakeFD)
		require.NoError(t, unix.Dup3(a, wakeFD, unix.O_CLOEXEC))
		defer unix.Close(wakeFD)
		other = b
	}

	loop.Stop()
	loop.Wakeup()
	loop.ScheduleAsync(func() {})
	require.NoError(t, lt.Stop(ctx))

	data, eof := readAvailable(t, other)
	assert.Empty(t, data)
	assert.False(t, eof)
}

func TestLoop_runOffThread(t *testing.T) {
	loop := startLoopThread(t)
	assert.False(t, loop.IsInLoopThread())
	assert.ErrorIs(t, loop.AssertInLoopThread(), ErrNotInLoopThread)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrNotInLoopThread)
}

func TestLoop_closeWhileRunning(t *testing.T) {
	loop := startLoopThread(t)
	var err error
	runInLoop(t, loop, func() { err = loop.Close() })
	assert.ErrorIs(t, err, ErrLoopRunning)
}

func TestLoop_runWhileRunning(t *testing.T) {
	loop := startLoopThread(t)
	var err error
	runInLoop(t, loop, func() { err = loop.Run(context.Background()) })
	assert.ErrorIs(t, err, ErrLoopRunning)
}

func TestLoop_scheduleAsyncWakesBlockedLoop(t *testing.T) {
	// the poll timeout is far longer than the test tolerates
	loop := startLoopThread(t, WithPollTimeout(time.Minute))
	time.Sleep(50 * time.Millisecond) // let it block in poll

	start := time.Now()
	ran := make(chan struct{})
	loop.ScheduleAsync(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(testTimeout):
		t.Fatal("task not run")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoop_taskScheduledByTaskRunsPromptly(t *testing.T) {
	loop := startLoopThread(t, WithPollTimeout(time.Minute))

	start := time.Now()
	ran := make(chan struct{})
	loop.ScheduleAsync(func() {
		loop.ScheduleAsync(func() { close(ran) })
	})
	select {
	case <-ran:
	case <-time.After(testTimeout):
		t.Fatal("nested task not run")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoop_scheduleAsyncPreservesOrder(t *testing.T) {
	loop := startLoopThread(t)

	const n = 1000
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		loop.ScheduleAsync(func() { got = append(got, i) })
	}
	loop.ScheduleAsync(func() { close(done) })
	<-done

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestLoop_scheduleNowInLoopIsSynchronous(t *testing.T) {
	loop := startLoopThread(t)
	var order []string
	runInLoop(t, loop, func() {
		loop.ScheduleNow(func() { order = append(order, "now") })
		loop.ScheduleAsync(func() { order = append(order, "async") })
		order = append(order, "after")
	})
	runInLoop(t, loop, func() {})
	assert.Equal(t, []string{"now", "after", "async"}, order)
}

func TestLoop_scheduleFromManyGoroutines(t *testing.T) {
	loop := startLoopThread(t)

	const goroutines, perGoroutine = 8, 200
	var count int
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				loop.ScheduleNow(func() { count++ })
			}
		}()
	}
	wg.Wait()
	runInLoop(t, loop, func() {})
	assert.Equal(t, goroutines*perGoroutine, count)
}

func TestLoop_stopFromForeignGoroutine(t *testing.T) {
	ctx := context.Background()
	loops := make(chan *Loop)
	result := make(chan error)
	go func() {
		th := LockThread(t.Name())
		defer th.Unlock()
		loop, err := NewLoop(th, WithPollTimeout(time.Minute))
		if err != nil {
			result <- err
			return
		}
		defer loop.Close()
		loops <- loop
		result <- loop.Run(ctx)
	}()
	loop := <-loops
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	loop.Stop()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("loop did not stop")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoop_contextCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error)
	started := make(chan struct{})
	go func() {
		th := LockThread(t.Name())
		defer th.Unlock()
		loop, err := NewLoop(th, WithPollTimeout(time.Minute))
		if err != nil {
			result <- err
			return
		}
		defer loop.Close()
		loop.ScheduleAsync(func() { close(started) })
		result <- loop.Run(ctx)
	}()
	<-started
	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_tasksQueuedBeforeStopStillRun(t *testing.T) {
	lt := NewLoopThread(t.Name(), nil)
	loop, err := lt.Start()
	require.NoError(t, err)

	ran := make(chan struct{})
	loop.ScheduleAsync(func() { close(ran) })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, lt.Stop(ctx))

	select {
	case <-ran:
	default:
		t.Fatal("pending task dropped on stop")
	}
}

func TestLoop_stopBeforeRun(t *testing.T) {
	loop := newTestLoop(t)
	loop.Stop()
	ran := false
	loop.ScheduleAsync(func() { ran = true })
	require.NoError(t, loop.Run(context.Background()))
	assert.True(t, ran)
}

func TestLoop_pollReturnTime(t *testing.T) {
	loop := startLoopThread(t, WithPollTimeout(time.Minute))
	before := time.Now()
	var ts time.Time
	loop.ScheduleAsync(func() {})
	runInLoop(t, loop, func() { ts = loop.PollReturnTime() })
	assert.False(t, ts.Before(before))
}
