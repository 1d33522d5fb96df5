package netreactor

import (
	"fmt"
	"runtime"
	"strings"
	"time"
	"weak"

	"github.com/rs/zerolog/log"
)

// IOEvents is the mechanism-agnostic readiness mask shared by every Poller.
type IOEvents uint32

const (
	EventNone IOEvents = 0
	// EventRead means readable or priority-readable.
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (ev IOEvents) String() string {
	if ev == EventNone {
		return "NONE"
	}
	var names []string
	if ev&EventRead != 0 {
		names = append(names, "READ")
	}
	if ev&EventWrite != 0 {
		names = append(names, "WRITE")
	}
	if ev&EventError != 0 {
		names = append(names, "ERR")
	}
	if ev&EventHangup != 0 {
		names = append(names, "HUP")
	}
	return strings.Join(names, "|")
}

// Registration state kept in Channel.index by the pollers.
const (
	indexNew     = -1
	indexAdded   = 1
	indexDeleted = 2
)

type EventCallback func()
type ReadEventCallback func(receiveTime time.Time)

// Channel binds one descriptor to an interest mask and a set of callbacks.
// It never closes the descriptor. Every method except the setters must be
// called from the owning loop.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  IOEvents
	revents IOEvents
	index   int

	tie  func() any
	tied bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: indexNew,
	}
}

// Tie installs a weak back-reference to the object that owns ch. While
// tied, events are dispatched only if owner is still reachable, and owner
// is held strongly for the duration of that one dispatch.
func Tie[T any](ch *Channel, owner *T) {
	ref := weak.Make(owner)
	ch.tie = func() any {
		if strong := ref.Value(); strong != nil {
			return strong
		}
		return nil
	}
	ch.tied = true
}

func (ch *Channel) HandleEvent(receiveTime time.Time) {
	if !ch.tied {
		ch.handleEventWithGuard(receiveTime)
		return
	}
	guard := ch.tie()
	if guard == nil {
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] owner gone, dropping %s", ch.fd, ch.revents)
		}
		return
	}
	ch.handleEventWithGuard(receiveTime)
	runtime.KeepAlive(guard)
}

func (ch *Channel) handleEventWithGuard(receiveTime time.Time) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] channel event: %s", ch.fd, ch.revents)
	}
	if ch.revents&EventHangup != 0 && ch.revents&EventRead == 0 {
		if ch.closeCallback != nil {
			ch.closeCallback()
		}
	}
	if ch.revents&EventError != 0 {
		if ch.errorCallback != nil {
			ch.errorCallback()
		}
	}
	if ch.revents&EventRead != 0 {
		if ch.readCallback != nil {
			ch.readCallback(receiveTime)
		}
	}
	if ch.revents&EventWrite != 0 {
		if ch.writeCallback != nil {
			ch.writeCallback()
		}
	}
}

func (ch *Channel) SetReadCallback(cb ReadEventCallback) { ch.readCallback = cb }
func (ch *Channel) SetWriteCallback(cb EventCallback)    { ch.writeCallback = cb }
func (ch *Channel) SetCloseCallback(cb EventCallback)    { ch.closeCallback = cb }
func (ch *Channel) SetErrorCallback(cb EventCallback)    { ch.errorCallback = cb }

func (ch *Channel) Fd() int               { return ch.fd }
func (ch *Channel) Events() IOEvents      { return ch.events }
func (ch *Channel) OwnerLoop() *EventLoop { return ch.loop }

// SetRevents is called by pollers with the readiness observed for fd.
func (ch *Channel) SetRevents(revents IOEvents) { ch.revents = revents }

func (ch *Channel) EnableReading() {
	ch.events |= EventRead
	ch.update()
}

func (ch *Channel) DisableReading() {
	ch.events &^= EventRead
	ch.update()
}

func (ch *Channel) EnableWriting() {
	ch.events |= EventWrite
	ch.update()
}

func (ch *Channel) DisableWriting() {
	ch.events &^= EventWrite
	ch.update()
}

func (ch *Channel) DisableAll() {
	ch.events = EventNone
	ch.update()
}

func (ch *Channel) IsNoneEvent() bool { return ch.events == EventNone }
func (ch *Channel) IsReading() bool   { return ch.events&EventRead != 0 }
func (ch *Channel) IsWriting() bool   { return ch.events&EventWrite != 0 }

// Remove drops the channel from its loop's poller. The interest mask must
// already be none.
func (ch *Channel) Remove() {
	ch.loop.RemoveChannel(ch)
}

func (ch *Channel) update() {
	ch.loop.UpdateChannel(ch)
}

func (ch *Channel) String() string {
	return fmt.Sprintf("fd=%d events=%s revents=%s", ch.fd, ch.events, ch.revents)
}
