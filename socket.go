package netreactor

import (
	"net/netip"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// Socket owns a socket descriptor and closes it on Close.
type Socket struct {
	fd int
}

func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

func createNonblockingSocket(family int) *Socket {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		log.Fatal().Msgf("can't create listening socket: %v", os.NewSyscallError("socket", err))
	}
	return NewSocket(fd)
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) BindAddress(addr netip.AddrPort) {
	sa, _ := toSockaddr(addr)
	if err := unix.Bind(s.fd, sa); err != nil {
		log.Fatal().Msgf("[%d] bind %s failed: %v", s.fd, addr, os.NewSyscallError("bind", err))
	}
}

func (s *Socket) Listen() {
	if err := unix.Listen(s.fd, listenBacklog); err != nil {
		log.Fatal().Msgf("[%d] listen failed: %v", s.fd, os.NewSyscallError("listen", err))
	}
}

// Accept returns a non-blocking, close-on-exec connected descriptor and the
// peer address. Would-block is returned as unix.EAGAIN.
func (s *Socket) Accept() (int, netip.AddrPort, error) {
	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	peer, err := fromSockaddr(sa)
	if err != nil {
		if peer, err = getPeerAddr(connFd); err != nil {
			log.Warn().Msgf("[%d] accepted connection with unknown peer address: %v", connFd, err)
		}
	}
	return connFd, peer, nil
}

func (s *Socket) ShutdownWrite() {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		log.Error().Msgf("[%d] shutdown write error: %v", s.fd, os.NewSyscallError("shutdown", err))
	}
}

func (s *Socket) SetTCPNoDelay(on bool) {
	s.setOption(unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "TCP_NODELAY")
}

func (s *Socket) SetReuseAddr(on bool) {
	s.setOption(unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "SO_REUSEADDR")
}

func (s *Socket) SetReusePort(on bool) {
	s.setOption(unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "SO_REUSEPORT")
}

func (s *Socket) SetKeepAlive(on bool) {
	s.setOption(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "SO_KEEPALIVE")
}

func (s *Socket) setOption(level, opt int, on bool, name string) {
	value := 0
	if on {
		value = 1
	}
	if err := unix.SetsockoptInt(s.fd, level, opt, value); err != nil {
		log.Error().Msgf("got error while setting socket options %s: %+v", name, err)
	}
}

func (s *Socket) Close() error {
	return os.NewSyscallError("close", unix.Close(s.fd))
}
