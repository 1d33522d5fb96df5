package netreactor

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// LoopThreadPool owns the sub-reactors of a base loop. Start, GetNextLoop
// and GetLoopForHash must be called on the base loop thread.
type LoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	config     EventLoopConfig
	started    bool
	numThreads int
	next       int
	threads    []*LoopThread
	loops      []*EventLoop
}

func NewLoopThreadPool(baseLoop *EventLoop, name string) *LoopThreadPool {
	return &LoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
	}
}

func (p *LoopThreadPool) SetThreadNum(numThreads int) {
	p.numThreads = numThreads
}

// SetLoopConfig sets the template for sub-loops; Name is replaced per
// thread.
func (p *LoopThreadPool) SetLoopConfig(config EventLoopConfig) {
	p.config = config
}

func (p *LoopThreadPool) Start(cb ThreadInitCallback) {
	p.baseLoop.AssertInLoopThread()
	if p.started {
		log.Warn().Msgf("loop pool %s already started", p.name)
		return
	}
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewLoopThread(cb, fmt.Sprintf("%s%d", p.name, i), p.config)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
	log.Info().Msgf("loop pool %s started with %d sub loops", p.name, len(p.loops))
}

// GetNextLoop hands out sub-loops round-robin, or the base loop when the
// pool has none.
func (p *LoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

// GetLoopForHash always maps the same key to the same sub-loop while the
// pool size is unchanged.
func (p *LoopThreadPool) GetLoopForHash(key uint64) *EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[JumpHash(key, len(p.loops))]
}

// GetAllLoops returns the sub-loops, or only the base loop when there are
// none.
func (p *LoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	loops := make([]*EventLoop, len(p.loops))
	copy(loops, p.loops)
	return loops
}

func (p *LoopThreadPool) Started() bool {
	return p.started
}

func (p *LoopThreadPool) Name() string {
	return p.name
}

// Stop quits every sub-loop and waits for all threads in parallel. Every
// thread is stopped even when another fails; errgroup only keeps the first
// error, so each thread's result is collected and combined.
func (p *LoopThreadPool) Stop() error {
	errs := make([]error, len(p.threads))
	var group errgroup.Group
	for i, t := range p.threads {
		group.Go(func() error {
			errs[i] = t.Stop()
			return errs[i]
		})
	}
	if err := group.Wait(); err == nil {
		return nil
	}
	return multierr.Combine(errs...)
}
