package netreactor

import (
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type NewConnectionCallback func(fd int, peer netip.AddrPort)

// Acceptor owns the listening socket and lives on the server's loop.
type Acceptor struct {
	loop                  *EventLoop
	acceptSocket          *Socket
	acceptChannel         *Channel
	newConnectionCallback NewConnectionCallback
	listening             bool
	// idleFd is given up to accept-and-drop a connection when the process
	// runs out of descriptors.
	idleFd int
}

func NewAcceptor(loop *EventLoop, listenAddr netip.AddrPort, reusePort bool) *Acceptor {
	_, family := toSockaddr(listenAddr)
	sock := createNonblockingSocket(family)
	sock.SetReuseAddr(true)
	sock.SetReusePort(reusePort)
	sock.BindAddress(listenAddr)

	a := &Acceptor{
		loop:          loop,
		acceptSocket:  sock,
		acceptChannel: NewChannel(loop, sock.Fd()),
		idleFd:        openIdleFd(),
	}
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a
}

func openIdleFd() int {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Error().Msgf("can't reserve idle fd: %v", os.NewSyscallError("open", err))
		return -1
	}
	return fd
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool {
	return a.listening
}

func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.acceptSocket.Listen()
	a.acceptChannel.EnableReading()
}

// ListenAddr is the locally bound address, useful after binding port 0.
func (a *Acceptor) ListenAddr() (netip.AddrPort, error) {
	return getLocalAddr(a.acceptSocket.Fd())
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	connFd, peer, err := a.acceptSocket.Accept()
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peer)
		} else {
			_ = unix.Close(connFd)
		}
		return
	}
	if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
		return
	}
	log.Error().Msgf("got error while accept connection: %+v", os.NewSyscallError("accept4", err))
	if err == unix.EMFILE && a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		if fd, _, err := unix.Accept4(a.acceptSocket.Fd(), unix.SOCK_CLOEXEC); err == nil {
			_ = unix.Close(fd)
		}
		a.idleFd = openIdleFd()
	}
}

func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	a.acceptChannel.DisableAll()
	if a.loop.HasChannel(a.acceptChannel) {
		a.acceptChannel.Remove()
	}
	err := a.acceptSocket.Close()
	if a.idleFd >= 0 {
		err = multierr.Append(err, os.NewSyscallError("close", unix.Close(a.idleFd)))
		a.idleFd = -1
	}
	a.listening = false
	return err
}
