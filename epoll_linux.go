//go:build linux

package netreactor

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR
	hupEvents   = unix.EPOLLHUP
)

func interestToEpoll(events IOEvents) uint32 {
	var ev uint32
	if events&EventRead != 0 {
		ev |= readEvents
	}
	if events&EventWrite != 0 {
		ev |= writeEvents
	}
	return ev
}

func epollToReady(ev uint32) IOEvents {
	var events IOEvents
	if ev&(readEvents|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if ev&writeEvents != 0 {
		events |= EventWrite
	}
	if ev&errorEvents != 0 {
		events |= EventError
	}
	if ev&hupEvents != 0 {
		events |= EventHangup
	}
	return events
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(r0), err
}
