// Package mysqlwire frames the MySQL/MariaDB client-server protocol: a 4-byte
// header carrying a 3-byte little-endian payload length and a sequence id,
// followed by the payload.
//
// https://dev.mysql.com/doc/internals/en/mysql-packet.html
// https://mariadb.com/kb/en/0-packet/
package mysqlwire

import (
	"fmt"
	"sync/atomic"

	"sql-db-proxy/internal/protocol"
)

const (
	headerSize = 4

	comQuit = 0x01

	errHeader = 0xff
	okHeader  = 0x00

	// seqSeen marks lastSeq as holding a real sequence id.
	seqSeen = 1 << 8
)

type Codec struct {
	dir      protocol.Direction
	maxFrame int

	// Sequence id of the most recently decoded packet, with seqSeen set
	// once anything was decoded. Decode runs in one relay goroutine and
	// LastSeq is called from the other when an ERR is synthesized, so the
	// state is atomic.
	lastSeq atomic.Uint32
}

func NewCodec(dir protocol.Direction, maxFrame int) *Codec {
	return &Codec{dir: dir, maxFrame: maxFrame}
}

func (c *Codec) Kind() protocol.Kind {
	return protocol.MySQL
}

// Decode returns the first complete packet in buf, classified for the codec's
// direction. The length field is validated against the configured maximum
// before the payload is awaited, so an oversized announcement fails fast.
func (c *Codec) Decode(buf []byte) (*protocol.Frame, int, error) {
	if len(buf) < headerSize {
		return nil, 0, nil
	}
	payloadLen := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16)
	frameLen := headerSize + payloadLen
	if frameLen > c.maxFrame {
		return nil, 0, fmt.Errorf("%w: mysql packet of %d bytes exceeds limit %d", protocol.ErrProtocol, frameLen, c.maxFrame)
	}
	if len(buf) < frameLen {
		return nil, 0, nil
	}
	c.lastSeq.Store(uint32(buf[3]) | seqSeen)

	frame := &protocol.Frame{Class: protocol.Data, Bytes: buf[:frameLen]}
	if c.dir == protocol.ClientToBackend && payloadLen == 1 && buf[headerSize] == comQuit {
		frame.Class = protocol.Terminate
	}
	return frame, frameLen, nil
}

// LastSeq reports the sequence id of the most recently decoded packet and
// whether any packet was decoded at all. A synthesized ERR must continue the
// conversation's sequence or the client library rejects it.
func (c *Codec) LastSeq() (byte, bool) {
	v := c.lastSeq.Load()
	return byte(v), v&seqSeen != 0
}
