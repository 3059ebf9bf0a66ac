// Package protocol defines the framing contract shared by the MySQL-wire and
// Postgres-wire codecs. A codec turns a byte stream into whole frames without
// performing any I/O; partial input yields no frame and the caller retains the
// unconsumed bytes for the next read.
package protocol

import "errors"

var ErrProtocol = errors.New("protocol error")

// Kind identifies a backend wire protocol. It is chosen once per session, at
// accept time, and never changes.
type Kind int

const (
	MySQL Kind = iota
	Postgres
)

func (k Kind) String() string {
	switch k {
	case MySQL:
		return "mysql"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Direction tells a codec which peer produced the bytes it is decoding.
// Classification depends on it: only client frames can terminate a session,
// only backend frames can carry a fatal server error.
type Direction int

const (
	ClientToBackend Direction = iota
	BackendToClient
)

func (d Direction) String() string {
	if d == ClientToBackend {
		return "client->backend"
	}
	return "backend->client"
}

// Class is the coarse classification a codec assigns to a decoded frame. The
// relay only inspects enough of each frame to drive its state machine; frame
// bytes are forwarded verbatim.
type Class int

const (
	// Data frames are forwarded without further inspection.
	Data Class = iota
	// Terminate marks a client-initiated session end (COM_QUIT, Terminate).
	Terminate
	// FatalError marks a backend frame after which the server will close the
	// connection (Postgres FATAL/PANIC ErrorResponse).
	FatalError
)

// Frame is one decoded protocol message. Bytes aliases the decode buffer and
// is only valid until the next Decode call.
type Frame struct {
	Class Class
	Bytes []byte
}

// Codec is a resumable framer for one direction of one session.
//
// Decode examines buf and returns the first complete frame along with the
// number of bytes it occupies. A nil frame with zero consumed means more input
// is needed. A frame whose declared length exceeds the codec's configured
// maximum, or whose header is malformed for the current phase, fails with an
// error wrapping ErrProtocol before the oversized frame is ever buffered.
type Codec interface {
	Kind() Kind
	Decode(buf []byte) (*Frame, int, error)
}
