package relay

import (
	"net"
	"sync/atomic"
)

// countingConn wraps the client socket and tallies traffic in both
// directions. Reads are bytes headed to the backend, writes are bytes headed
// back to the client.
type countingConn struct {
	net.Conn
	read    atomic.Uint64
	written atomic.Uint64
}

func newCountingConn(conn net.Conn) *countingConn {
	return &countingConn{Conn: conn}
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read.Add(uint64(n))
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written.Add(uint64(n))
	return n, err
}

func (c *countingConn) BytesToBackend() uint64 {
	return c.read.Load()
}

func (c *countingConn) BytesToClient() uint64 {
	return c.written.Load()
}
