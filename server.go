package netreactor

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Server accepts connections on its own loop and hands each one to a loop
// of its pool. Start, Close and the setters are meant for the server loop;
// the registry never leaves it.
type Server struct {
	loop     *EventLoop
	name     string
	ipPort   string
	config   ServerConfig
	acceptor *Acceptor
	pool     *LoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    ThreadInitCallback

	started     *atomic.Int32
	closed      bool
	nextConnID  int
	connections *connectionRegistry
	stats       *serverStats

	clock       clock.Clock
	statsTicker *clock.Ticker
	statsDone   chan struct{}
	statsDumps  *atomic.Uint64
}

func NewServer(loop *EventLoop, listenAddr netip.AddrPort, name string, config ServerConfig) *Server {
	if loop == nil {
		log.Fatal().Msgf("Server %s created with nil loop", name)
	}
	s := &Server{
		loop:               loop,
		name:               name,
		config:             config,
		acceptor:           NewAcceptor(loop, listenAddr, config.ReusePort),
		pool:               NewLoopThreadPool(loop, name),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		started:            atomic.NewInt32(0),
		connections:        newConnectionRegistry(loop),
		stats:              newServerStats(),
		clock:              loop.clock,
		statsDumps:         atomic.NewUint64(0),
	}
	s.ipPort = listenAddr.String()
	if bound, err := s.acceptor.ListenAddr(); err == nil {
		s.ipPort = bound.String()
	}
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.pool.SetThreadNum(config.Threads)
	loopConfig := config.LoopConfig(name)
	loopConfig.Clock = loop.clock
	s.pool.SetLoopConfig(loopConfig)
	return s
}

func defaultConnectionCallback(conn *Connection) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("%s -> %s is %s", conn.LocalAddr(), conn.PeerAddr(), conn.State())
	}
}

func defaultMessageCallback(_ *Connection, buf *Buffer, _ time.Time) {
	buf.RetrieveAll()
}

func (s *Server) Name() string     { return s.name }
func (s *Server) IPPort() string   { return s.ipPort }
func (s *Server) Loop() *EventLoop { return s.loop }

// ListenAddr is the bound listening address.
func (s *Server) ListenAddr() (netip.AddrPort, error) {
	return s.acceptor.ListenAddr()
}

// ThreadPool is valid after Start.
func (s *Server) ThreadPool() *LoopThreadPool { return s.pool }

// SetThreadNum must be called before Start. Zero runs every connection on
// the server loop; n > 0 starts n sub-loops.
func (s *Server) SetThreadNum(numThreads int) {
	if numThreads < 0 {
		log.Fatal().Msgf("Server %s: negative thread number %d", s.name, numThreads)
	}
	s.pool.SetThreadNum(numThreads)
}

func (s *Server) SetThreadInitCallback(cb ThreadInitCallback)       { s.threadInitCallback = cb }
func (s *Server) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *Server) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback) { s.highWaterMarkCallback = cb }

func (s *Server) Stats() ServerStats {
	return ServerStats{
		Name:                 s.name,
		ActiveConnections:    s.stats.active.Load(),
		MaxActiveConnections: s.stats.max.Load(),
		TotalConnections:     s.stats.total.Load(),
	}
}

// Start starts the pool and begins listening. Calling it again is a no-op.
func (s *Server) Start() {
	if s.started.Inc() != 1 {
		return
	}
	s.pool.Start(s.threadInitCallback)
	s.loop.RunInLoop(s.acceptor.Listen)
	s.startStatsTicker()
	log.Info().Msgf("Server %s listening on %s", s.name, s.ipPort)
}

func (s *Server) selectLoop(peer netip.AddrPort) *EventLoop {
	if s.config.LoopSelection == LoopSelectionHash {
		ip := peer.Addr().As16()
		return s.pool.GetLoopForHash(xxhash.Sum64(ip[:]))
	}
	return s.pool.GetNextLoop()
}

func (s *Server) newConnection(fd int, peer netip.AddrPort) {
	s.loop.AssertInLoopThread()
	ioLoop := s.selectLoop(peer)
	s.nextConnID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	log.Info().Msgf("Server::newConnection [%s] - new connection [%s] from %s", s.name, connName, peer)

	localAddr, err := getLocalAddr(fd)
	if err != nil {
		log.Error().Msgf("Server %s can't get local address of fd=%d: %+v", s.name, fd, err)
	}
	conn := NewConnection(ioLoop, connName, fd, localAddr, peer)
	applySocketOptions(conn.socket, s.config)
	s.connections.add(conn)
	s.stats.opened()

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	if s.highWaterMarkCallback != nil && s.config.HighWaterMark > 0 {
		conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.config.HighWaterMark)
	}
	conn.SetCloseCallback(s.removeConnection)
	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection runs on the connection's loop and hands the teardown to
// the server loop.
func (s *Server) removeConnection(conn *Connection) {
	s.loop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *Server) removeConnectionInLoop(conn *Connection) {
	s.loop.AssertInLoopThread()
	log.Info().Msgf("Server::removeConnectionInLoop [%s] - connection %s", s.name, conn.Name())
	if !s.connections.remove(conn) {
		return
	}
	s.stats.closed()
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// ConnectionCount must be called on the server loop.
func (s *Server) ConnectionCount() int {
	return s.connections.len()
}

// FindConnection must be called on the server loop.
func (s *Server) FindConnection(name string) (*Connection, bool) {
	return s.connections.find(name)
}

func (s *Server) startStatsTicker() {
	interval := time.Duration(s.config.StatsIntervalSec) * time.Second
	if interval <= 0 {
		return
	}
	s.statsTicker = s.clock.Ticker(interval)
	s.statsDone = make(chan struct{})
	go func(ticker *clock.Ticker, done <-chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.loop.QueueInLoop(s.logStats)
			}
		}
	}(s.statsTicker, s.statsDone)
}

func (s *Server) stopStatsTicker() {
	if s.statsTicker == nil {
		return
	}
	s.statsTicker.Stop()
	close(s.statsDone)
	s.statsTicker = nil
}

func (s *Server) logStats() {
	if s.closed {
		return
	}
	stats := s.Stats()
	log.Info().Msgf("Server %s active: %d max: %d total: %d", s.name, stats.ActiveConnections, stats.MaxActiveConnections, stats.TotalConnections)
	s.connections.logStats(s.name)
	s.statsDumps.Inc()
}

// Close destroys every remaining connection on its own loop, stops the
// pool and closes the listening socket. It must run on the server loop.
func (s *Server) Close() error {
	s.loop.AssertInLoopThread()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopStatsTicker()

	var wg sync.WaitGroup
	for _, conn := range s.connections.drain() {
		s.stats.closed()
		wg.Add(1)
		conn.Loop().RunInLoop(func() {
			defer wg.Done()
			conn.connectDestroyed()
		})
	}
	wg.Wait()

	err := s.pool.Stop()
	err = multierr.Append(err, s.acceptor.Close())
	log.Info().Msgf("Server %s closed", s.name)
	return err
}
