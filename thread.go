package netreactor

import (
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// loopsByThread is the process-wide "one EventLoop per OS thread" table.
// A slot is claimed when a loop is constructed and released when it is
// closed.
var loopsByThread = struct {
	sync.Mutex
	loops map[int]*EventLoop
}{loops: make(map[int]*EventLoop)}

// currentThreadID is the kernel id of the calling OS thread. It only
// identifies a goroutine while that goroutine holds runtime.LockOSThread.
func currentThreadID() int {
	return unix.Gettid()
}

func claimThread(tid int, loop *EventLoop) {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	if existing, ok := loopsByThread.loops[tid]; ok {
		log.Fatal().Msgf("another EventLoop %s exists in this thread %d", existing.name, tid)
	}
	loopsByThread.loops[tid] = loop
}

func releaseThread(tid int, loop *EventLoop) {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	if loopsByThread.loops[tid] == loop {
		delete(loopsByThread.loops, tid)
	}
}

// LoopOfCurrentThread returns the EventLoop owning the calling thread, or
// nil.
func LoopOfCurrentThread() *EventLoop {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	return loopsByThread.loops[currentThreadID()]
}
