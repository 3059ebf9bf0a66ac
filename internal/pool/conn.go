package pool

import (
	"net"
	"time"

	"sql-db-proxy/internal/protocol"
)

// BackendConn is one live, authenticated connection to a backend engine. It
// is owned by the pool and leased to at most one session at a time.
type BackendConn struct {
	ID   string
	Kind protocol.Kind

	raw net.Conn

	// Postgres session identity captured at connect time. The relay replays
	// these to each client during its handshake.
	ProcessID  uint32
	SecretKey  uint32
	Parameters map[string]string

	createdAt time.Time
	idleSince time.Time
}

// NewBackendConn wraps an already-established socket. The dialers use it and
// so do tests that stand in for a backend.
func NewBackendConn(id string, raw net.Conn) *BackendConn {
	return &BackendConn{ID: id, raw: raw, createdAt: time.Now()}
}

// Conn exposes the raw socket for relaying.
func (c *BackendConn) Conn() net.Conn {
	return c.raw
}

func (c *BackendConn) Close() error {
	return c.raw.Close()
}

// IdleSince reports when the connection last entered the idle set; zero for a
// connection that has never been released.
func (c *BackendConn) IdleSince() time.Time {
	return c.idleSince
}
