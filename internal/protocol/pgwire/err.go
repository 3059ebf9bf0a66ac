package pgwire

import (
	"github.com/jackc/pgproto3/v2"
)

// SQLSTATE codes the proxy synthesizes toward clients.
const (
	// connection_failure, sent when the backend vanishes mid-session.
	CodeConnectionFailure = "08006"
	// sqlclient_unable_to_establish_sqlconnection.
	CodeCannotConnect = "08001"
	// too_many_connections, sent when the pool has no free backend connection.
	CodeTooManyConnections = "53300"
	// protocol_violation, sent before closing on a malformed frame.
	CodeProtocolViolation = "08P01"
)

// EncodeError builds a complete FATAL ErrorResponse frame for delivery to a
// client before the proxy closes its side.
func EncodeError(code, message string) ([]byte, error) {
	resp := &pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     code,
		Message:  message,
	}
	return resp.Encode(nil)
}
