package netreactor

import (
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// connectionRegistry maps connection names to live connections. It is only
// touched from the server loop.
type connectionRegistry struct {
	loop        *EventLoop
	connections map[string]*Connection
}

func newConnectionRegistry(loop *EventLoop) *connectionRegistry {
	return &connectionRegistry{
		loop:        loop,
		connections: make(map[string]*Connection),
	}
}

func (r *connectionRegistry) add(conn *Connection) {
	r.loop.AssertInLoopThread()
	if _, ok := r.connections[conn.Name()]; ok {
		log.Fatal().Msgf("connection %s registered twice", conn.Name())
	}
	r.connections[conn.Name()] = conn
}

// remove reports whether conn was still registered.
func (r *connectionRegistry) remove(conn *Connection) bool {
	r.loop.AssertInLoopThread()
	if r.connections[conn.Name()] != conn {
		return false
	}
	delete(r.connections, conn.Name())
	return true
}

func (r *connectionRegistry) find(name string) (*Connection, bool) {
	r.loop.AssertInLoopThread()
	conn, ok := r.connections[name]
	return conn, ok
}

func (r *connectionRegistry) len() int {
	r.loop.AssertInLoopThread()
	return len(r.connections)
}

// drain empties the registry and returns what it held, ordered by name.
func (r *connectionRegistry) drain() []*Connection {
	r.loop.AssertInLoopThread()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	clear(r.connections)
	slices.SortFunc(conns, func(a, b *Connection) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return conns
}

func (r *connectionRegistry) logStats(server string) {
	r.loop.AssertInLoopThread()
	log.Debug().Msgf("[%s] total connections: %d", server, len(r.connections))
	for name, conn := range r.connections {
		stats := conn.Stats()
		log.Debug().Msgf("[%s] connection:[%s] state: %s lastActive: %s sent: %s received: %s",
			server, name, conn.State(),
			humanize.Time(time.UnixMilli(stats.LastActivityTime)),
			humanize.Bytes(stats.TotalSentBytes), humanize.Bytes(stats.TotalReceivedBytes))
	}
}
