package mysqlwire

import (
	"encoding/binary"
	"fmt"

	"sql-db-proxy/internal/protocol"
)

// Error codes the proxy synthesizes toward clients. They mirror what a server
// or client library would produce for the same condition.
const (
	// ER_CON_COUNT_ERROR, sent when the pool has no free backend connection.
	CodeTooManyConnections = 1040
	// CR_SERVER_LOST, sent when the backend vanishes mid-session.
	CodeServerLost = 2013
	// ER_UNKNOWN_ERROR, sent when the backend cannot be reached at all.
	CodeUnknownError = 1105

	sqlStateGeneral = "HY000"
)

// EncodeErr builds a complete ERR packet, protocol 4.1 form: 0xff marker,
// 2-byte error code, '#' plus 5-byte SQL state, then the human message.
//
// https://mariadb.com/kb/en/err_packet/
func EncodeErr(seq byte, code uint16, message string) []byte {
	payloadLen := 1 + 2 + 1 + 5 + len(message)
	pkt := make([]byte, headerSize, headerSize+payloadLen)
	pkt[0] = byte(payloadLen)
	pkt[1] = byte(payloadLen >> 8)
	pkt[2] = byte(payloadLen >> 16)
	pkt[3] = seq

	pkt = append(pkt, errHeader)
	pkt = binary.LittleEndian.AppendUint16(pkt, code)
	pkt = append(pkt, '#')
	pkt = append(pkt, sqlStateGeneral...)
	pkt = append(pkt, message...)
	return pkt
}

// ParseErr extracts the code and message from an ERR packet, tolerating both
// the 4.1 form (with the '#' state marker) and the bare pre-4.1 form.
func ParseErr(pkt []byte) (code uint16, message string, err error) {
	minLen := headerSize + 1 + 2
	if len(pkt) < minLen || pkt[headerSize] != errHeader {
		return 0, "", fmt.Errorf("%w: not an ERR packet", protocol.ErrProtocol)
	}
	code = binary.LittleEndian.Uint16(pkt[headerSize+1:])
	if len(pkt) > minLen && pkt[minLen] == '#' {
		minLen += 6
	}
	if len(pkt) < minLen {
		return 0, "", fmt.Errorf("%w: truncated ERR packet", protocol.ErrProtocol)
	}
	return code, string(pkt[minLen:]), nil
}

// IsErr reports whether a packet is an ERR packet.
func IsErr(pkt []byte) bool {
	return len(pkt) > headerSize && pkt[headerSize] == errHeader
}
