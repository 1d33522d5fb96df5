package netreactor

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const defaultHighWaterMark = 64 * 1024 * 1024

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

type ConnectionCallback func(conn *Connection)
type MessageCallback func(conn *Connection, buf *Buffer, receiveTime time.Time)
type WriteCompleteCallback func(conn *Connection)
type HighWaterMarkCallback func(conn *Connection, pending int)
type CloseCallback func(conn *Connection)

// Connection is one accepted TCP connection bound to a single loop for its
// whole life. Send, Shutdown, ForceClose, StartRead and StopRead may be
// called from any goroutine; everything else runs on the owning loop.
type Connection struct {
	loop      *EventLoop
	name      string
	state     *atomic.Int32
	reading   bool
	socket    *Socket
	channel   *Channel
	localAddr netip.AddrPort
	peerAddr  netip.AddrPort

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
	highWaterMark         int

	inputBuffer  *Buffer
	outputBuffer *Buffer
	stats        *connStats
	context      any
}

func NewConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr netip.AddrPort) *Connection {
	if loop == nil {
		log.Fatal().Msgf("Connection [%s] created without a loop", name)
	}
	c := &Connection{
		loop:          loop,
		name:          name,
		state:         atomic.NewInt32(int32(StateConnecting)),
		reading:       true,
		socket:        NewSocket(fd),
		channel:       NewChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		highWaterMark: defaultHighWaterMark,
		inputBuffer:   NewBuffer(InitialSize),
		outputBuffer:  NewBuffer(InitialSize),
		stats:         newConnStats(),
	}
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	if log.Debug().Enabled() {
		log.Debug().Msgf("Connection [%s] at fd=%d created", name, fd)
	}
	return c
}

func (c *Connection) Name() string              { return c.name }
func (c *Connection) Loop() *EventLoop          { return c.loop }
func (c *Connection) LocalAddr() netip.AddrPort { return c.localAddr }
func (c *Connection) PeerAddr() netip.AddrPort  { return c.peerAddr }
func (c *Connection) State() ConnState          { return ConnState(c.state.Load()) }
func (c *Connection) Connected() bool           { return c.State() == StateConnected }
func (c *Connection) Disconnected() bool        { return c.State() == StateDisconnected }
func (c *Connection) Stats() ConnStats          { return c.stats.snapshot() }

// Context returns the value stored with SetContext. Both are meant for the
// owning loop.
func (c *Connection) Context() any       { return c.context }
func (c *Connection) SetContext(ctx any) { c.context = ctx }

func (c *Connection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *Connection) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *Connection) SetCloseCallback(cb CloseCallback)                 { c.closeCallback = cb }

func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Connection) SetTCPNoDelay(on bool) {
	c.socket.SetTCPNoDelay(on)
}

func (c *Connection) SetKeepAlive(on bool) {
	c.socket.SetKeepAlive(on)
}

// Send queues data for writing. Off the owning loop the data is copied
// before it is handed over.
func (c *Connection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	pending := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendInLoop(pending)
	})
}

func (c *Connection) SendString(data string) {
	c.Send([]byte(data))
}

// SendBuffer sends and consumes the readable bytes of buf.
func (c *Connection) SendBuffer(buf *Buffer) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	pending := []byte(buf.RetrieveAllAsString())
	c.loop.RunInLoop(func() {
		c.sendInLoop(pending)
	})
}

func (c *Connection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		log.Warn().Msgf("Connection [%s] disconnected, give up writing", c.name)
		return
	}
	written, remaining := 0, len(data)
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.channel.Fd(), data)
		switch {
		case err == nil:
			written = n
			remaining -= n
			c.stats.sent(n, c.loop.clock.Now())
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() {
					c.writeCompleteCallback(c)
				})
			}
		case err != unix.EAGAIN:
			log.Error().Msgf("Connection [%s] write error: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			pending := oldLen + remaining
			c.loop.QueueInLoop(func() {
				c.highWaterMarkCallback(c, pending)
			})
		}
		c.outputBuffer.Append(data[written:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the write side once the output buffer is drained.
func (c *Connection) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.socket.ShutdownWrite()
	}
}

// ForceClose tears the connection down without waiting for the peer.
func (c *Connection) ForceClose() {
	for {
		state := c.State()
		if state != StateConnected && state != StateDisconnecting {
			return
		}
		if c.state.CompareAndSwap(int32(state), int32(StateDisconnecting)) {
			c.loop.QueueInLoop(c.forceCloseInLoop)
			return
		}
	}
}

func (c *Connection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	state := c.State()
	if state == StateConnected || state == StateDisconnecting {
		c.handleClose()
	}
}

func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		c.loop.AssertInLoopThread()
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		c.loop.AssertInLoopThread()
		if c.reading {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// connectEstablished is the first transition, run on the owning loop.
func (c *Connection) connectEstablished() {
	c.loop.AssertInLoopThread()
	if c.State() != StateConnecting {
		log.Fatal().Msgf("Connection [%s] established in state %s", c.name, c.State())
	}
	c.setState(StateConnected)
	Tie(c.channel, c)
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the last transition, run on the owning loop after
// the server dropped the connection from its registry.
func (c *Connection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.State() == StateConnected {
		c.setState(StateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.DisableAll()
	if c.loop.HasChannel(c.channel) {
		c.channel.Remove()
	}
	c.setState(StateDisconnected)
	if err := c.socket.Close(); err != nil {
		log.Error().Msgf("Connection [%s] close error: %+v", c.name, err)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("Connection [%s] destroyed", c.name)
	}
}

func (c *Connection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		return
	}
	n, err := c.inputBuffer.readFd(c.channel.Fd(), c.loop.readScratch)
	switch {
	case n > 0:
		c.stats.received(n, receiveTime)
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		} else {
			c.inputBuffer.RetrieveAll()
		}
	case err == io.EOF:
		c.handleClose()
	case err != nil:
		log.Error().Msgf("Connection [%s] read error: %v", c.name, err)
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if log.Debug().Enabled() {
			log.Debug().Msgf("Connection [%s] fd=%d is down, no more writing", c.name, c.channel.Fd())
		}
		return
	}
	n, err := c.outputBuffer.WriteFd(c.channel.Fd())
	if err != nil {
		log.Error().Msgf("Connection [%s] write error: %v", c.name, err)
		return
	}
	if n > 0 {
		c.stats.sent(n, c.loop.clock.Now())
	}
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() {
				c.writeCompleteCallback(c)
			})
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		return
	}
	log.Info().Msgf("Connection [%s] fd=%d state=%s closing", c.name, c.channel.Fd(), c.State())
	c.setState(StateDisconnected)
	c.channel.DisableAll()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	if err := getSocketError(c.channel.Fd()); err != nil {
		log.Error().Msgf("Connection [%s] SO_ERROR: %v", c.name, err)
	}
	c.handleClose()
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s %s->%s %s", c.name, c.peerAddr, c.localAddr, c.State())
}
