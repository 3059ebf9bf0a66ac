// Package pgwire frames the PostgreSQL protocol. Command-phase messages carry
// a 1-byte type followed by a 4-byte big-endian length that includes itself;
// the very first client message (StartupMessage, SSLRequest, CancelRequest)
// has no type byte.
//
// https://www.postgresql.org/docs/current/protocol-message-formats.html
package pgwire

import (
	"encoding/binary"
	"fmt"

	"sql-db-proxy/internal/protocol"
)

const (
	lengthSize = 4

	msgTerminate     = 'X'
	msgErrorResponse = 'E'
	msgReadyForQuery = 'Z'

	sslRequestCode    = 80877103
	gssEncReqCode     = 80877104
	cancelRequestCode = 80877102

	// TxIdle is the ReadyForQuery status outside any transaction block.
	TxIdle = 'I'
)

type Codec struct {
	dir      protocol.Direction
	maxFrame int

	// The first client message has no type byte; every message after it does.
	startup bool
}

// NewCodec returns a command-phase codec, the mode the relay runs in once the
// handshake has completed.
func NewCodec(dir protocol.Direction, maxFrame int) *Codec {
	return &Codec{dir: dir, maxFrame: maxFrame}
}

// NewStartupCodec returns a codec that frames the session's first client
// message without a type byte, then switches to command-phase framing.
func NewStartupCodec(maxFrame int) *Codec {
	return &Codec{dir: protocol.ClientToBackend, maxFrame: maxFrame, startup: true}
}

func (c *Codec) Kind() protocol.Kind {
	return protocol.Postgres
}

func (c *Codec) Decode(buf []byte) (*protocol.Frame, int, error) {
	headerSize := 1 + lengthSize
	if c.startup {
		headerSize = lengthSize
	}
	if len(buf) < headerSize {
		return nil, 0, nil
	}
	length := int(binary.BigEndian.Uint32(buf[headerSize-lengthSize : headerSize]))
	if length < lengthSize {
		return nil, 0, fmt.Errorf("%w: postgres length header %d below minimum", protocol.ErrProtocol, length)
	}
	frameLen := headerSize - lengthSize + length
	if frameLen > c.maxFrame {
		return nil, 0, fmt.Errorf("%w: postgres message of %d bytes exceeds limit %d", protocol.ErrProtocol, frameLen, c.maxFrame)
	}
	if len(buf) < frameLen {
		return nil, 0, nil
	}

	frame := &protocol.Frame{Class: protocol.Data, Bytes: buf[:frameLen]}
	if c.startup {
		c.startup = false
	} else {
		switch {
		case c.dir == protocol.ClientToBackend && buf[0] == msgTerminate:
			frame.Class = protocol.Terminate
		case c.dir == protocol.BackendToClient && buf[0] == msgErrorResponse && isFatal(buf[:frameLen]):
			frame.Class = protocol.FatalError
		}
	}
	return frame, frameLen, nil
}

// IsSSLRequest reports whether a startup-phase frame is an SSLRequest or
// GSSENCRequest. The proxy answers these itself; they are never forwarded.
func IsSSLRequest(frame []byte) bool {
	if len(frame) != 8 {
		return false
	}
	code := binary.BigEndian.Uint32(frame[4:])
	return code == sslRequestCode || code == gssEncReqCode
}

// ParseCancel extracts the key data from a startup-phase CancelRequest frame.
func ParseCancel(frame []byte) (processID, secretKey uint32, ok bool) {
	if len(frame) != 16 || binary.BigEndian.Uint32(frame[4:]) != cancelRequestCode {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(frame[8:]), binary.BigEndian.Uint32(frame[12:]), true
}

// EncodeCancel builds the CancelRequest frame the proxy sends when it forwards
// a client's cancel connection to the backend.
func EncodeCancel(processID, secretKey uint32) []byte {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[0:], 16)
	binary.BigEndian.PutUint32(msg[4:], cancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:], processID)
	binary.BigEndian.PutUint32(msg[12:], secretKey)
	return msg
}

// TxStatus extracts the transaction status from a ReadyForQuery frame. The
// relay tracks it to decide whether a backend connection is reusable.
func TxStatus(frame []byte) (byte, bool) {
	if len(frame) != 6 || frame[0] != msgReadyForQuery {
		return 0, false
	}
	return frame[5], true
}

// isFatal scans an ErrorResponse body for a severity field of FATAL or PANIC.
// Fields are a 1-byte code followed by a NUL-terminated string; 'S' and 'V'
// both carry severity.
func isFatal(frame []byte) bool {
	body := frame[1+lengthSize:]
	for len(body) > 0 && body[0] != 0 {
		fieldType := body[0]
		body = body[1:]
		end := 0
		for end < len(body) && body[end] != 0 {
			end++
		}
		if end == len(body) {
			return false
		}
		if fieldType == 'S' || fieldType == 'V' {
			value := string(body[:end])
			if value == "FATAL" || value == "PANIC" {
				return true
			}
		}
		body = body[end+1:]
	}
	return false
}
