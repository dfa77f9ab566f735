package reactor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTimeout = 5 * time.Second

// syncBuffer collects log output from any number of loops.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

// newTestLogger returns a JSON logger writing every level to w.
func newTestLogger(w *syncBuffer) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// fatalExit is the panic value raised by osExit while fatal exits are
// intercepted.
type fatalExit int

func interceptFatal(t *testing.T) {
	t.Helper()
	old := osExit
	osExit = func(code int) { panic(fatalExit(code)) }
	t.Cleanup(func() { osExit = old })
}

// newTestLoop constructs a loop on the test's own goroutine, which is not
// run: tests drive the poller and pending tasks directly.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	thread := LockThread(t.Name())
	loop, err := NewLoop(thread, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = loop.Close()
		if thread.IsCurrent() {
			thread.Unlock()
		}
	})
	return loop
}

// startLoopThread runs a loop on its own LoopThread until the test ends.
func startLoopThread(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	lt := NewLoopThread(t.Name(), nil, opts...)
	loop, err := lt.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, lt.Stop(ctx))
	})
	return loop
}

// runInLoop runs fn on the loop's thread, and waits for it.
func runInLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.ScheduleAsync(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for loop task")
	}
}

// newPipe returns a non-blocking pipe, closed when the test ends unless
// closed earlier by the test itself.
func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// newSocketPair returns a connected, non-blocking stream socket pair. The
// caller owns both descriptors.
func newSocketPair(t *testing.T) (local, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// readAvailable reads from a non-blocking fd until it would block, or
// reaches end of stream.
func readAvailable(t *testing.T, fd int) (data []byte, eof bool) {
	t.Helper()
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EAGAIN:
			return data, false
		case err == unix.EINTR:
		case err != nil:
			require.NoError(t, err)
		case n == 0:
			return data, true
		default:
			data = append(data, buf[:n]...)
		}
	}
}
