//go:build linux

package netreactor

import (
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// epollPoller is the level-triggered epoll(7) Poller.
type epollPoller struct {
	ownerLoop *EventLoop
	fd        int
	events    []unix.EpollEvent
	channels  channelMap
	clock     clock.Clock
}

func newEpollPoller(loop *EventLoop, eventsBufferSize int, clk clock.Clock) *epollPoller {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Fatal().Msgf("can't open poller: %+v", os.NewSyscallError("epoll_create1", err))
	}
	return &epollPoller{
		ownerLoop: loop,
		fd:        fd,
		events:    make([]unix.EpollEvent, max(eventsBufferSize, defEventsBufferSize)),
		channels:  make(channelMap),
		clock:     clk,
	}
}

func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *epollPoller) Poll(timeout time.Duration, active *ChannelList) time.Time {
	if log.Debug().Enabled() {
		log.Debug().Msgf("epoll wait, %d channels registered", len(p.channels))
	}
	evCount, err := epollWait(p.fd, p.events, timeoutMillis(timeout))
	now := p.clock.Now()
	if err != nil {
		if err != unix.EINTR {
			log.Error().Msgf("error occurs in epoll: %v", os.NewSyscallError("epoll_wait", err))
		}
		return now
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		ch, ok := p.channels[int(event.Fd)]
		if !ok {
			log.Warn().Msgf("[%d] epoll event for unknown fd: %d", event.Fd, event.Events)
			continue
		}
		ch.SetRevents(epollToReady(event.Events))
		*active = append(*active, ch)
	}
	if evCount == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return now
}

func (p *epollPoller) UpdateChannel(ch *Channel) {
	p.ownerLoop.AssertInLoopThread()
	switch ch.index {
	case indexNew, indexDeleted:
		if ch.IsNoneEvent() {
			return
		}
		if ch.index == indexNew {
			p.channels[ch.fd] = ch
		}
		ch.index = indexAdded
		p.update(unix.EPOLL_CTL_ADD, ch)
	default:
		if ch.IsNoneEvent() {
			p.update(unix.EPOLL_CTL_DEL, ch)
			ch.index = indexDeleted
		} else {
			p.update(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) {
	p.ownerLoop.AssertInLoopThread()
	if !p.channels.has(ch) {
		log.Fatal().Msgf("[%d] removing a channel the poller does not hold", ch.fd)
	}
	if !ch.IsNoneEvent() {
		log.Fatal().Msgf("[%d] removing a channel with interest %s", ch.fd, ch.events)
	}
	delete(p.channels, ch.fd)
	if ch.index == indexAdded {
		p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.index = indexNew
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	p.ownerLoop.AssertInLoopThread()
	return p.channels.has(ch)
}

func (p *epollPoller) update(op int, ch *Channel) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] epoll_ctl op=%d events=%s", ch.fd, op, ch.events)
	}
	event := &unix.EpollEvent{Fd: int32(ch.fd), Events: interestToEpoll(ch.events)}
	if err := unix.EpollCtl(p.fd, op, ch.fd, event); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", ch.fd, os.NewSyscallError("epoll_ctl del", err))
			return
		}
		log.Fatal().Msgf("[%d] epoll_ctl op=%d failed: %v", ch.fd, op, os.NewSyscallError("epoll_ctl", err))
	}
}
