//go:build linux

package netreactor

import (
	"encoding/binary"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const wakeupValueSize = 8

func createEventfd() int {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Fatal().Msgf("eventfd error: %v", os.NewSyscallError("eventfd", err))
	}
	return fd
}

// Wakeup makes the loop's current or next poll return promptly. It is a
// no-op once Close has begun.
func (el *EventLoop) Wakeup() {
	el.wakeupMu.Lock()
	defer el.wakeupMu.Unlock()
	if el.closed.Load() {
		return
	}
	var one [wakeupValueSize]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	n, err := unix.Write(el.wakeupFd, one[:])
	el.wakeups.Inc()
	if n != wakeupValueSize {
		log.Error().Msgf("EventLoop %s: %v, wrote %d of 8 bytes: %v", el.name, errShortWakeup, n, err)
	}
}

func (el *EventLoop) handleWakeup() {
	var value [wakeupValueSize]byte
	n, err := unix.Read(el.wakeupFd, value[:])
	if n != wakeupValueSize {
		log.Error().Msgf("EventLoop %s: %v, read %d of 8 bytes: %v", el.name, errShortWakeup, n, err)
	}
}
