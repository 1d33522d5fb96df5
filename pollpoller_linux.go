//go:build linux

package netreactor

import (
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2) Poller. Channel.index is the channel's slot in
// pollfds; a slot whose channel has no interest keeps a negated fd so the
// kernel skips it.
type pollPoller struct {
	ownerLoop *EventLoop
	pollfds   []unix.PollFd
	channels  channelMap
	clock     clock.Clock
}

func newPollPoller(loop *EventLoop, clk clock.Clock) *pollPoller {
	return &pollPoller{
		ownerLoop: loop,
		channels:  make(channelMap),
		clock:     clk,
	}
}

func (p *pollPoller) Close() error {
	return nil
}

func (p *pollPoller) Poll(timeout time.Duration, active *ChannelList) time.Time {
	numEvents, err := unix.Poll(p.pollfds, timeoutMillis(timeout))
	now := p.clock.Now()
	if err != nil {
		if err != unix.EINTR {
			log.Error().Msgf("error occurs in poll: %v", os.NewSyscallError("poll", err))
		}
		return now
	}
	for i := 0; i < len(p.pollfds) && numEvents > 0; i++ {
		pfd := p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		numEvents--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			log.Warn().Msgf("[%d] poll event for unknown fd: %d", pfd.Fd, pfd.Revents)
			continue
		}
		ch.SetRevents(pollToReady(pfd.Revents))
		*active = append(*active, ch)
	}
	return now
}

func (p *pollPoller) UpdateChannel(ch *Channel) {
	p.ownerLoop.AssertInLoopThread()
	if !p.channels.has(ch) {
		if ch.IsNoneEvent() {
			return
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(ch.fd), Events: interestToPoll(ch.events)})
		ch.index = len(p.pollfds) - 1
		p.channels[ch.fd] = ch
		return
	}
	pfd := &p.pollfds[ch.index]
	pfd.Events = interestToPoll(ch.events)
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-ch.fd - 1)
	} else {
		pfd.Fd = int32(ch.fd)
	}
}

func (p *pollPoller) RemoveChannel(ch *Channel) {
	p.ownerLoop.AssertInLoopThread()
	if !p.channels.has(ch) {
		log.Fatal().Msgf("[%d] removing a channel the poller does not hold", ch.fd)
	}
	if !ch.IsNoneEvent() {
		log.Fatal().Msgf("[%d] removing a channel with interest %s", ch.fd, ch.events)
	}
	delete(p.channels, ch.fd)
	idx, last := ch.index, len(p.pollfds)-1
	if idx != last {
		moved := p.pollfds[last]
		p.pollfds[idx] = moved
		fd := int(moved.Fd)
		if fd < 0 {
			fd = -fd - 1
		}
		p.channels[fd].index = idx
	}
	p.pollfds = p.pollfds[:last]
	ch.index = indexNew
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	p.ownerLoop.AssertInLoopThread()
	return p.channels.has(ch)
}

func interestToPoll(events IOEvents) int16 {
	var ev int16
	if events&EventRead != 0 {
		ev |= unix.POLLIN | unix.POLLPRI
	}
	if events&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func pollToReady(revents int16) IOEvents {
	var events IOEvents
	if revents&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
