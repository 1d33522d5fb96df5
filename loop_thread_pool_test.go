package netreactor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

func startPool(t *testing.T, base *EventLoop, n int, cb ThreadInitCallback) *LoopThreadPool {
	t.Helper()
	pool := NewLoopThreadPool(base, "pool")
	pool.SetThreadNum(n)
	pool.SetLoopConfig(EventLoopConfig{PollTimeout: time.Second})
	pool.Start(cb)
	t.Cleanup(func() {
		require.NoError(t, pool.Stop())
	})
	return pool
}

func TestLoopThreadStartStop(t *testing.T) {
	var initName string
	thread := NewLoopThread(func(loop *EventLoop) {
		initName = loop.Name()
	}, "worker", EventLoopConfig{})
	loop := thread.StartLoop()
	require.NotNil(t, loop)
	assert.Equal(t, "worker", initName)
	assert.Same(t, loop, thread.Loop())
	assert.False(t, loop.IsInLoopThread())

	ran := make(chan bool, 1)
	loop.RunInLoop(func() {
		ran <- loop.IsInLoopThread() && LoopOfCurrentThread() == loop
	})
	assert.True(t, <-ran)

	require.NoError(t, thread.Stop())
	assert.True(t, loop.closed.Load())
	assert.NoError(t, thread.Stop())
}

func TestLoopThreadPoolRoundRobin(t *testing.T) {
	const n = 3
	base := newTestLoop(t, EventLoopConfig{})
	pool := startPool(t, base, n, nil)
	require.True(t, pool.Started())

	loops := pool.GetAllLoops()
	require.Len(t, loops, n)
	for i, loop := range loops {
		assert.NotSame(t, base, loop)
		assert.Equal(t, fmt.Sprintf("pool%d", i), loop.Name())
	}
	for i := 0; i < 2*n+1; i++ {
		assert.Same(t, loops[i%n], pool.GetNextLoop(), "call %d", i)
	}
}

func TestLoopThreadPoolWithoutThreads(t *testing.T) {
	base := newTestLoop(t, EventLoopConfig{})
	var inits []*EventLoop
	pool := startPool(t, base, 0, func(loop *EventLoop) {
		inits = append(inits, loop)
	})

	assert.Equal(t, []*EventLoop{base}, inits, "init callback runs once on the base loop")
	assert.Equal(t, []*EventLoop{base}, pool.GetAllLoops())
	for i := 0; i < 3; i++ {
		assert.Same(t, base, pool.GetNextLoop())
		assert.Same(t, base, pool.GetLoopForHash(uint64(i)))
	}
}

func TestLoopThreadPoolInitCallbackOnEachThread(t *testing.T) {
	const n = 4
	base := newTestLoop(t, EventLoopConfig{})
	inits := make(chan *EventLoop, n)
	pool := startPool(t, base, n, func(loop *EventLoop) {
		if loop.IsInLoopThread() {
			inits <- loop
		}
	})
	require.Len(t, inits, n)
	seen := make(map[*EventLoop]bool)
	for i := 0; i < n; i++ {
		seen[<-inits] = true
	}
	for _, loop := range pool.GetAllLoops() {
		assert.True(t, seen[loop])
	}
}

func TestLoopThreadPoolGetAllLoopsIsACopy(t *testing.T) {
	base := newTestLoop(t, EventLoopConfig{})
	pool := startPool(t, base, 2, nil)
	loops := pool.GetAllLoops()
	loops[0] = base
	assert.NotSame(t, base, pool.GetAllLoops()[0])
}

func TestLoopThreadPoolHashIsStable(t *testing.T) {
	base := newTestLoop(t, EventLoopConfig{})
	pool := startPool(t, base, 5, nil)
	all := make(map[*EventLoop]bool)
	for _, loop := range pool.GetAllLoops() {
		all[loop] = true
	}
	for key := uint64(0); key < 1000; key++ {
		loop := pool.GetLoopForHash(key)
		assert.True(t, all[loop])
		assert.Same(t, loop, pool.GetLoopForHash(key))
	}
}

func TestLoopThreadPoolStopClosesSubLoops(t *testing.T) {
	base := newTestLoop(t, EventLoopConfig{})
	pool := NewLoopThreadPool(base, "stop")
	pool.SetThreadNum(3)
	pool.Start(nil)
	loops := pool.GetAllLoops()
	require.NoError(t, pool.Stop())
	for _, loop := range loops {
		assert.True(t, loop.closed.Load())
		assert.False(t, loop.Looping())
	}
}

func TestLoopThreadPoolStopReportsEveryThread(t *testing.T) {
	base := newTestLoop(t, EventLoopConfig{})
	pool := NewLoopThreadPool(base, "failing")
	pool.SetThreadNum(3)
	pool.SetLoopConfig(EventLoopConfig{PollTimeout: 20 * time.Millisecond})

	var mu sync.Mutex
	var detached []int
	pool.Start(func(loop *EventLoop) {
		if loop.Name() == "failing1" {
			return
		}
		// Closing an invalid wakeup descriptor makes this loop's Close fail.
		mu.Lock()
		detached = append(detached, loop.wakeupFd)
		mu.Unlock()
		loop.wakeupFd = -1
	})
	loops := pool.GetAllLoops()

	err := pool.Stop()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.Len(t, errs, 2)
	for _, e := range errs {
		assert.ErrorIs(t, e, unix.EBADF)
	}
	for _, loop := range loops {
		assert.True(t, loop.closed.Load(), "%s stopped despite sibling failures", loop.Name())
	}
	for _, fd := range detached {
		_ = unix.Close(fd)
	}
}
