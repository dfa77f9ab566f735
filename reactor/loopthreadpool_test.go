package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopThread_startPublishesRunningLoop(t *testing.T) {
	var initLoop *Loop
	var initOnThread bool
	lt := NewLoopThread("io", func(loop *Loop) {
		initLoop = loop
		initOnThread = loop.IsInLoopThread()
	})
	loop, err := lt.Start()
	require.NoError(t, err)
	assert.Same(t, loop, initLoop)
	assert.True(t, initOnThread, "init runs on the hosting thread")
	assert.Same(t, loop, lt.Loop())
	assert.Equal(t, "io", loop.Name())

	ran := make(chan struct{})
	loop.ScheduleAsync(func() { close(ran) })
	<-ran

	_, err = lt.Start()
	assert.ErrorIs(t, err, ErrLoopRunning)

	require.NoError(t, lt.Stop(context.Background()))
	<-lt.Done()
}

func TestLoopThread_constructionFailure(t *testing.T) {
	lt := NewLoopThread("bad", nil, WithPollTimeout(-1))
	loop, err := lt.Start()
	assert.Nil(t, loop)
	assert.ErrorIs(t, err, ErrThreadStopped)
	assert.NoError(t, lt.Stop(context.Background()))
}

func TestLoopThread_stopUnstarted(t *testing.T) {
	lt := NewLoopThread("idle", nil)
	assert.NoError(t, lt.Stop(context.Background()))
}

func TestLoopThreadPool_zeroThreadsUsesBase(t *testing.T) {
	base := startLoopThread(t)
	pool := NewLoopThreadPool(base, "pool")

	type initCall struct {
		loop     *Loop
		onThread bool
	}
	inits := make(chan initCall, 2)
	require.NoError(t, pool.Start(func(loop *Loop) {
		inits <- initCall{loop: loop, onThread: loop.IsInLoopThread()}
	}))
	assert.True(t, pool.Started())
	select {
	case call := <-inits:
		assert.Same(t, base, call.loop)
		assert.True(t, call.onThread, "init runs on the base loop's thread")
	case <-time.After(testTimeout):
		t.Fatal("thread init never ran")
	}
	runInLoop(t, base, func() {})
	assert.Empty(t, inits, "init runs once")

	for i := 0; i < 3; i++ {
		assert.Same(t, base, pool.NextLoop())
	}
	assert.Equal(t, []*Loop{base}, pool.AllLoops())
	require.NoError(t, pool.Stop(context.Background()))
}

func TestLoopThreadPool_roundRobin(t *testing.T) {
	base := startLoopThread(t)
	pool := NewLoopThreadPool(base, "io")
	require.NoError(t, pool.SetThreadNum(3))

	var mu sync.Mutex
	names := map[string]bool{}
	require.NoError(t, pool.Start(func(loop *Loop) {
		mu.Lock()
		defer mu.Unlock()
		names[loop.Name()] = loop.IsInLoopThread()
	}))
	t.Cleanup(func() { require.NoError(t, pool.Stop(context.Background())) })

	assert.Equal(t, map[string]bool{"io0": true, "io1": true, "io2": true}, names)

	loops := pool.AllLoops()
	require.Len(t, loops, 3)
	for _, loop := range loops {
		assert.NotSame(t, base, loop)
	}

	var got []*Loop
	for i := 0; i < 7; i++ {
		got = append(got, pool.NextLoop())
	}
	assert.Equal(t, []*Loop{loops[0], loops[1], loops[2], loops[0], loops[1], loops[2], loops[0]}, got)

	// every worker is live
	for _, loop := range loops {
		runInLoop(t, loop, func() {})
	}
}

func TestLoopThreadPool_configurationAfterStart(t *testing.T) {
	base := startLoopThread(t)
	pool := NewLoopThreadPool(base, "io")
	assert.Error(t, pool.SetThreadNum(-1))
	require.NoError(t, pool.SetThreadNum(1))
	require.NoError(t, pool.Start(nil))
	t.Cleanup(func() { require.NoError(t, pool.Stop(context.Background())) })

	assert.ErrorIs(t, pool.SetThreadNum(2), ErrPoolStarted)
	assert.ErrorIs(t, pool.Start(nil), ErrPoolStarted)
}

func TestLoopThreadPool_startFailureStopsStarted(t *testing.T) {
	base := startLoopThread(t)
	pool := NewLoopThreadPool(base, "io", WithInitialEventCapacity(0))
	require.NoError(t, pool.SetThreadNum(2))
	assert.Error(t, pool.Start(nil))
	assert.False(t, pool.Started())
	assert.Equal(t, []*Loop{base}, pool.AllLoops())
}
