package netreactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// applySocketOptions tunes an accepted connection socket from the server
// config. Failures are logged and the connection is kept.
func applySocketOptions(s *Socket, config ServerConfig) {
	if config.KeepAlive {
		s.SetKeepAlive(true)
	}
	if config.NoDelay {
		s.SetTCPNoDelay(true)
	}
	if config.RecvBufferSize > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.RecvBufferSize); err != nil {
			log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
		}
	}
	if config.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, config.SendBufferSize); err != nil {
			log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
		}
	}
}
