package netreactor

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// DefaultPollTimeout bounds each poll so the loop re-checks its quit flag
// even without I/O.
const DefaultPollTimeout = 10 * time.Second

type EventLoopConfig struct {
	Name            string
	EventBufferSize int
	PollTimeout     time.Duration
	// Poller selects the readiness mechanism, PollerEpoll or PollerPoll.
	Poller string
	Clock  clock.Clock
}

// EventLoop is a reactor pinned to the OS thread of the goroutine that
// created it. Loop, Close and every channel operation must run on that
// thread; Quit, RunInLoop and QueueInLoop may be called from anywhere.
type EventLoop struct {
	name        string
	threadID    int
	pollTimeout time.Duration
	clock       clock.Clock

	looping                *atomic.Bool
	quit                   *atomic.Bool
	callingPendingFunctors *atomic.Bool
	closed                 *atomic.Bool
	wakeups                *atomic.Uint64

	poller               Poller
	pollReturnTime       time.Time
	iteration            uint64
	activeChannels       ChannelList
	currentActiveChannel *Channel
	eventHandling        bool

	wakeupFd      int
	wakeupChannel *Channel
	// wakeupMu orders Wakeup writes against Close releasing wakeupFd.
	wakeupMu sync.Mutex

	// readScratch is the readv overflow area shared by this loop's
	// connections.
	readScratch []byte

	mu              sync.Mutex
	pendingFunctors []func()
}

// NewEventLoop creates a loop owned by the calling goroutine and locks
// that goroutine to its current OS thread until Close. Creating a second
// loop on a thread that already owns one terminates the process.
func NewEventLoop(config EventLoopConfig) *EventLoop {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	runtime.LockOSThread()

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	pollTimeout := config.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeout
	}
	el := &EventLoop{
		name:                   config.Name,
		threadID:               currentThreadID(),
		pollTimeout:            pollTimeout,
		clock:                  clk,
		looping:                atomic.NewBool(false),
		quit:                   atomic.NewBool(false),
		callingPendingFunctors: atomic.NewBool(false),
		closed:                 atomic.NewBool(false),
		wakeups:                atomic.NewUint64(0),
		readScratch:            make([]byte, extraBufferSize),
	}
	claimThread(el.threadID, el)

	el.poller = newDefaultPoller(el, config.Poller, config.EventBufferSize, clk)
	el.wakeupFd = createEventfd()
	el.wakeupChannel = NewChannel(el, el.wakeupFd)
	el.wakeupChannel.SetReadCallback(func(time.Time) {
		el.handleWakeup()
	})
	el.wakeupChannel.EnableReading()
	return el
}

func (el *EventLoop) Name() string {
	return el.name
}

// Loop runs poll / dispatch / pending-functor cycles until Quit. A Quit
// issued before Loop starts is honoured.
func (el *EventLoop) Loop() {
	el.AssertInLoopThread()
	el.looping.Store(true)
	log.Info().Msgf("EventLoop %s start looping", el.name)

	for !el.quit.Load() {
		clear(el.activeChannels)
		el.activeChannels = el.activeChannels[:0]
		el.pollReturnTime = el.poller.Poll(el.pollTimeout, &el.activeChannels)
		el.iteration++

		el.eventHandling = true
		for _, ch := range el.activeChannels {
			el.currentActiveChannel = ch
			ch.HandleEvent(el.pollReturnTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false

		el.doPendingFunctors()
	}

	log.Info().Msgf("EventLoop %s stop looping", el.name)
	el.looping.Store(false)
}

// Quit asks the loop to stop after its current iteration.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.Wakeup()
	}
}

func (el *EventLoop) Looping() bool {
	return el.looping.Load()
}

// PollReturnTime is the timestamp of the latest poll return.
func (el *EventLoop) PollReturnTime() time.Time {
	return el.pollReturnTime
}

func (el *EventLoop) Iteration() uint64 {
	return el.iteration
}

// RunInLoop runs cb now when called on the loop thread, otherwise it
// queues cb for the loop.
func (el *EventLoop) RunInLoop(cb func()) {
	if el.IsInLoopThread() {
		cb()
	} else {
		el.QueueInLoop(cb)
	}
}

// QueueInLoop queues cb to run after the loop's next dispatch phase.
func (el *EventLoop) QueueInLoop(cb func()) {
	el.mu.Lock()
	el.pendingFunctors = append(el.pendingFunctors, cb)
	el.mu.Unlock()

	// A functor queued while the loop drains would otherwise wait for an
	// unrelated readiness event.
	if !el.IsInLoopThread() || el.callingPendingFunctors.Load() {
		el.Wakeup()
	}
}

// PendingFunctors reports the number of queued functors.
func (el *EventLoop) PendingFunctors() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.pendingFunctors)
}

func (el *EventLoop) doPendingFunctors() {
	el.callingPendingFunctors.Store(true)

	el.mu.Lock()
	functors := el.pendingFunctors
	el.pendingFunctors = nil
	el.mu.Unlock()

	for _, functor := range functors {
		functor()
	}
	el.callingPendingFunctors.Store(false)
}

func (el *EventLoop) UpdateChannel(ch *Channel) {
	el.assertOwnsChannel(ch)
	el.AssertInLoopThread()
	el.poller.UpdateChannel(ch)
}

func (el *EventLoop) RemoveChannel(ch *Channel) {
	el.assertOwnsChannel(ch)
	el.AssertInLoopThread()
	if el.eventHandling && el.currentActiveChannel == ch {
		log.Fatal().Msgf("EventLoop %s: channel %d removed from inside its own dispatch", el.name, ch.fd)
	}
	el.poller.RemoveChannel(ch)
}

func (el *EventLoop) HasChannel(ch *Channel) bool {
	el.assertOwnsChannel(ch)
	el.AssertInLoopThread()
	return el.poller.HasChannel(ch)
}

func (el *EventLoop) IsInLoopThread() bool {
	return el.threadID == currentThreadID()
}

// AssertInLoopThread terminates the process when called off the loop
// thread.
func (el *EventLoop) AssertInLoopThread() {
	if !el.IsInLoopThread() {
		log.Fatal().Msgf("EventLoop %s was created in thread %d, current thread id = %d", el.name, el.threadID, currentThreadID())
	}
}

func (el *EventLoop) assertOwnsChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		log.Fatal().Msgf("channel %d belongs to another EventLoop than %s", ch.fd, el.name)
	}
}

// Close releases the wakeup descriptor and the poller, frees the thread
// slot and unlocks the OS thread. It must be called on the loop thread
// after Loop has returned.
func (el *EventLoop) Close() error {
	if el.closed.Load() {
		return nil
	}
	el.AssertInLoopThread()
	el.wakeupMu.Lock()
	el.closed.Store(true)
	el.wakeupMu.Unlock()
	if el.looping.Load() {
		log.Error().Msgf("EventLoop %s closed while looping", el.name)
	}
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	err := multierr.Combine(
		os.NewSyscallError("close", unix.Close(el.wakeupFd)),
		el.poller.Close(),
	)
	releaseThread(el.threadID, el)
	runtime.UnlockOSThread()
	log.Info().Msgf("EventLoop %s closed", el.name)
	return err
}
