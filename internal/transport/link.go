package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/pzone/internal/protocol"
	"github.com/avaropoint/pzone/internal/session"
)

// Link is an authenticated connection to a hub or peer. It implements
// session.Handle.
type Link struct {
	id   string
	kind session.Kind
	conn net.Conn
	r    *bufio.Reader

	// connID distinguishes successive connections of the same node in logs.
	connID string

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newLink(conn net.Conn, id string, kind session.Kind, writeTimeout time.Duration) *Link {
	return &Link{
		id:           id,
		connID:       uuid.NewString(),
		kind:         kind,
		conn:         conn,
		r:            bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// ID returns the verified session id of the remote node.
func (l *Link) ID() string { return l.id }

// ConnID returns the unique id of this connection.
func (l *Link) ConnID() string { return l.connID }

// Kind reports whether the remote node is a hub or a peer.
func (l *Link) Kind() session.Kind { return l.kind }

// RemoteAddr returns the remote network address.
func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Send writes one framed envelope. Concurrent senders never interleave.
func (l *Link) Send(env *protocol.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed.Load() {
		return net.ErrClosed
	}
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	return protocol.WriteEnvelope(l.conn, env)
}

// Close closes the connection. A link closed locally never triggers a
// hub reconnect.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}

func (l *Link) read() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(l.r)
}
