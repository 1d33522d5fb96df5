package netreactor

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	testLocalAddr = netip.MustParseAddrPort("127.0.0.1:9000")
	testPeerAddr  = netip.MustParseAddrPort("127.0.0.1:40000")
)

// newTestConnection returns an established connection on loop and the peer
// end of its socket pair in blocking mode.
func newTestConnection(t *testing.T, loop *EventLoop, setup func(conn *Connection)) (*Connection, int) {
	t.Helper()
	a, b := newSocketPair(t)
	require.NoError(t, unix.SetNonblock(b, false))
	t.Cleanup(func() { _ = unix.Close(b) })

	conn := NewConnection(loop, "test#1", a, testLocalAddr, testPeerAddr)
	if setup != nil {
		setup(conn)
	}
	conn.connectEstablished()
	t.Cleanup(func() {
		if loop.HasChannel(conn.channel) || !conn.Disconnected() {
			conn.connectDestroyed()
		}
	})
	return conn, b
}

func readN(t *testing.T, fd int, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 64*1024)
	for len(out) < n {
		m, err := unix.Read(fd, buf)
		require.NoError(t, err)
		require.NotZero(t, m, "unexpected EOF")
		out = append(out, buf[:m]...)
	}
	return out
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Connected", StateConnected.String())
	assert.Equal(t, "Disconnecting", StateDisconnecting.String())
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "ConnState(9)", ConnState(9).String())
}

func TestConnectionEstablished(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{})
	var states []ConnState
	conn, _ := newTestConnection(t, loop, func(conn *Connection) {
		assert.Equal(t, StateConnecting, conn.State())
		conn.SetConnectionCallback(func(c *Connection) { states = append(states, c.State()) })
	})
	assert.Equal(t, []ConnState{StateConnected}, states)
	assert.True(t, conn.Connected())
	assert.True(t, conn.channel.IsReading())
	assert.Equal(t, testPeerAddr, conn.PeerAddr())
	assert.Equal(t, testLocalAddr, conn.LocalAddr())
	assert.Same(t, loop, conn.Loop())
	assert.Contains(t, conn.String(), "test#1")
}

func TestConnectionEcho(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: time.Second})
	conn, peer := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetMessageCallback(func(c *Connection, buf *Buffer, _ time.Time) {
			c.SendBuffer(buf)
			assert.Zero(t, buf.ReadableBytes())
		})
	})

	reply := make(chan []byte, 1)
	go func() {
		_, _ = unix.Write(peer, []byte("hello reactor"))
		out := make([]byte, 13)
		n, _ := unix.Read(peer, out)
		reply <- out[:n]
		loop.Quit()
	}()
	loop.Loop()

	assert.Equal(t, "hello reactor", string(<-reply))
	stats := conn.Stats()
	assert.Equal(t, uint64(13), stats.TotalReceivedBytes)
	assert.Equal(t, uint64(13), stats.TotalSentBytes)
	assert.NotZero(t, stats.LastActivityTime)
}

func TestConnectionSendFromOtherThreadIsCopied(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: time.Second})
	conn, peer := newTestConnection(t, loop, nil)

	go func() {
		data := []byte("first")
		conn.Send(data)
		copy(data, "XXXXX")
		conn.SendString("second")
		loop.RunInLoop(loop.Quit)
	}()
	loop.Loop()
	assert.Equal(t, "firstsecond", string(readN(t, peer, len("firstsecond"))))
}

func TestConnectionLargeSendWithShutdown(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: 100 * time.Millisecond})
	writeCompletes := 0
	var highWaterMarks []int
	conn, peer := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetWriteCompleteCallback(func(*Connection) { writeCompletes++ })
		conn.SetHighWaterMarkCallback(func(_ *Connection, pending int) {
			highWaterMarks = append(highWaterMarks, pending)
		}, 64*1024)
	})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256*1024)
	received := make(chan int, 1)
	go func() {
		total := 0
		buf := make([]byte, 64*1024)
		for {
			n, err := unix.Read(peer, buf)
			if err != nil || n == 0 {
				break
			}
			total += n
		}
		received <- total
		loop.Quit()
	}()

	conn.Send(payload)
	assert.True(t, conn.channel.IsWriting(), "the kernel buffer cannot take 4 MiB at once")
	conn.Shutdown()
	assert.Equal(t, StateDisconnecting, conn.State())
	conn.Send([]byte("dropped"))

	loop.Loop()
	assert.Equal(t, len(payload), <-received)
	assert.False(t, conn.channel.IsWriting())
	assert.Equal(t, 1, writeCompletes)
	require.Len(t, highWaterMarks, 1)
	assert.GreaterOrEqual(t, highWaterMarks[0], 64*1024)
}

func TestConnectionPeerCloseTearsDown(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: time.Second})
	var states []ConnState
	closed := 0
	conn, peer := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetConnectionCallback(func(c *Connection) { states = append(states, c.State()) })
		conn.SetCloseCallback(func(c *Connection) {
			closed++
			loop.Quit()
		})
	})
	require.NoError(t, unix.Close(peer))
	loop.Loop()

	assert.Equal(t, []ConnState{StateConnected, StateDisconnected}, states)
	assert.Equal(t, 1, closed)
	assert.True(t, conn.channel.IsNoneEvent())
	assert.True(t, loop.HasChannel(conn.channel), "unregistered only by connectDestroyed")

	conn.connectDestroyed()
	assert.False(t, loop.HasChannel(conn.channel))
	assert.Equal(t, []ConnState{StateConnected, StateDisconnected}, states, "no second disconnect notification")
}

func TestConnectionForceClose(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: 100 * time.Millisecond})
	closed := 0
	conn, _ := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetCloseCallback(func(*Connection) {
			closed++
			loop.Quit()
		})
	})
	go conn.ForceClose()
	loop.Loop()
	assert.Equal(t, 1, closed)
	assert.True(t, conn.Disconnected())

	conn.ForceClose()
	assert.Zero(t, loop.PendingFunctors(), "force close of a closed connection is a no-op")
}

func TestConnectionForceCloseRacingClose(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{PollTimeout: 10 * time.Millisecond})
	var states []ConnState
	closed := 0
	conn, _ := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetConnectionCallback(func(c *Connection) { states = append(states, c.State()) })
		conn.SetCloseCallback(func(*Connection) { closed++ })
	})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 1000; j++ {
				conn.ForceClose()
			}
		}()
	}
	close(start)
	conn.handleClose()
	wg.Wait()

	loop.QueueInLoop(loop.Quit)
	loop.Loop()

	assert.Equal(t, StateDisconnected, conn.State(), "a closed connection never goes back to Disconnecting")
	assert.Equal(t, 1, closed)
	assert.Equal(t, []ConnState{StateConnected, StateDisconnected}, states)
}

func TestConnectionStopStartRead(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{})
	conn, _ := newTestConnection(t, loop, nil)
	conn.StopRead()
	assert.False(t, conn.channel.IsReading())
	conn.StartRead()
	assert.True(t, conn.channel.IsReading())
}

func TestConnectionContext(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{})
	conn, _ := newTestConnection(t, loop, nil)
	assert.Nil(t, conn.Context())
	conn.SetContext("session")
	assert.Equal(t, "session", conn.Context())
}

func TestConnectionDestroyedWithoutClose(t *testing.T) {
	loop := newTestLoop(t, EventLoopConfig{})
	var states []ConnState
	conn, _ := newTestConnection(t, loop, func(conn *Connection) {
		conn.SetConnectionCallback(func(c *Connection) { states = append(states, c.State()) })
	})
	conn.connectDestroyed()
	assert.Equal(t, []ConnState{StateConnected, StateDisconnected}, states)
	assert.False(t, loop.HasChannel(conn.channel))
	assert.True(t, conn.Disconnected())
}
