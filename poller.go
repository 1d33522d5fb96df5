package netreactor

import (
	"os"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	PollerEpoll = "epoll"
	PollerPoll  = "poll"

	defEventsBufferSize = 16
	usePollEnv          = "NETREACTOR_USE_POLL"
)

type ChannelList []*Channel

// Poller wraps one OS readiness-notification mechanism for a single
// EventLoop. All methods except Close must be called from that loop.
type Poller interface {
	// Poll waits up to timeout, appends every channel with ready events to
	// active (with its revents set) and returns the time the wait returned.
	Poll(timeout time.Duration, active *ChannelList) time.Time
	UpdateChannel(ch *Channel)
	RemoveChannel(ch *Channel)
	HasChannel(ch *Channel) bool
	Close() error
}

func newDefaultPoller(loop *EventLoop, kind string, eventsBufferSize int, clk clock.Clock) Poller {
	if kind == "" && os.Getenv(usePollEnv) != "" {
		kind = PollerPoll
	}
	if kind == PollerPoll {
		return newPollPoller(loop, clk)
	}
	return newEpollPoller(loop, eventsBufferSize, clk)
}

// timeoutMillis converts a poll timeout to the millisecond argument of the
// OS call; negative means wait forever.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int(timeout / time.Millisecond)
}

// channelMap is the fd -> Channel bookkeeping shared by the poller variants.
type channelMap map[int]*Channel

func (m channelMap) has(ch *Channel) bool {
	existing, ok := m[ch.fd]
	return ok && existing == ch
}
