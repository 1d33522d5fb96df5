package netreactor

import (
	"sync"
)

type ThreadInitCallback func(loop *EventLoop)

// LoopThread runs one EventLoop on a dedicated, OS-thread-locked
// goroutine.
type LoopThread struct {
	name     string
	config   EventLoopConfig
	callback ThreadInitCallback

	mu       sync.Mutex
	loop     *EventLoop
	started  chan *EventLoop
	done     chan struct{}
	closeErr error
}

func NewLoopThread(cb ThreadInitCallback, name string, config EventLoopConfig) *LoopThread {
	return &LoopThread{
		name:     name,
		config:   config,
		callback: cb,
		started:  make(chan *EventLoop),
		done:     make(chan struct{}),
	}
}

// StartLoop spawns the thread and returns its loop once the init callback
// has run and the loop is about to start looping.
func (t *LoopThread) StartLoop() *EventLoop {
	go t.threadFunc()
	loop := <-t.started
	t.mu.Lock()
	t.loop = loop
	t.mu.Unlock()
	return loop
}

func (t *LoopThread) threadFunc() {
	defer close(t.done)
	config := t.config
	config.Name = t.name
	loop := NewEventLoop(config)
	if t.callback != nil {
		t.callback(loop)
	}
	t.started <- loop
	loop.Loop()
	t.closeErr = loop.Close()
}

func (t *LoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

func (t *LoopThread) Name() string {
	return t.name
}

// Stop quits the loop and waits for its thread to finish.
func (t *LoopThread) Stop() error {
	loop := t.Loop()
	if loop == nil {
		return nil
	}
	loop.Quit()
	<-t.done
	return t.closeErr
}
