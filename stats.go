package netreactor

import (
	"time"

	"go.uber.org/atomic"
)

// ConnStats is a point-in-time copy of a connection's counters.
type ConnStats struct {
	LastActivityTime   int64
	TotalSentBytes     uint64
	TotalReceivedBytes uint64
}

// connStats is written by the owning loop and read by the server loop.
type connStats struct {
	lastActivityTime   *atomic.Int64
	totalSentBytes     *atomic.Uint64
	totalReceivedBytes *atomic.Uint64
}

func newConnStats() *connStats {
	return &connStats{
		lastActivityTime:   atomic.NewInt64(0),
		totalSentBytes:     atomic.NewUint64(0),
		totalReceivedBytes: atomic.NewUint64(0),
	}
}

func (s *connStats) received(n int, at time.Time) {
	s.totalReceivedBytes.Add(uint64(n))
	s.lastActivityTime.Store(at.UnixMilli())
}

func (s *connStats) sent(n int, at time.Time) {
	s.totalSentBytes.Add(uint64(n))
	s.lastActivityTime.Store(at.UnixMilli())
}

func (s *connStats) snapshot() ConnStats {
	return ConnStats{
		LastActivityTime:   s.lastActivityTime.Load(),
		TotalSentBytes:     s.totalSentBytes.Load(),
		TotalReceivedBytes: s.totalReceivedBytes.Load(),
	}
}

type ServerStats struct {
	Name                 string
	ActiveConnections    uint64
	MaxActiveConnections uint64
	TotalConnections     uint64
}

type serverStats struct {
	active *atomic.Uint64
	max    *atomic.Uint64
	total  *atomic.Uint64
}

func newServerStats() *serverStats {
	return &serverStats{
		active: atomic.NewUint64(0),
		max:    atomic.NewUint64(0),
		total:  atomic.NewUint64(0),
	}
}

// opened is only called from the server loop, so the max update does not
// race with itself.
func (s *serverStats) opened() {
	s.total.Inc()
	if active := s.active.Inc(); active > s.max.Load() {
		s.max.Store(active)
	}
}

func (s *serverStats) closed() {
	s.active.Dec()
}
