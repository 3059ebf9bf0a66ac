package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/go-mysql-org/go-mysql/server"
	"github.com/jackc/pgproto3/v2"

	"sql-db-proxy/internal/pool"
	"sql-db-proxy/internal/protocol"
	"sql-db-proxy/internal/protocol/pgwire"
)

const (
	// Single-byte answer to an SSLRequest or GSSEncRequest: not supported,
	// continue in cleartext. The request is never forwarded to the backend.
	sslNotSupported = 'N'
)

// errCancelRequest marks a connection that was a Postgres CancelRequest, not
// a session. The cancel is forwarded out of band and the connection closed.
var errCancelRequest = errors.New("cancel request connection")

// handshakeIdentity is what a completed client handshake learned, for
// observability only; the proxy enforces no policy on it.
type handshakeIdentity struct {
	user     string
	database string
}

// captureHandler satisfies the go-mysql server handler contract for the
// handshake phase. Command dispatch never runs: the relay detaches to the raw
// socket as soon as the handshake completes, so only UseDB can be invoked.
type captureHandler struct {
	server.EmptyHandler
	database string
}

func (h *captureHandler) UseDB(dbName string) error {
	h.database = dbName
	return nil
}

// handshakeMySQL conducts the server half of the MySQL handshake against the
// configured backend credentials: greeting, auth response, OK. Afterwards the
// client speaks on the raw socket and every packet is relayed verbatim.
func (s *Session) handshakeMySQL() (handshakeIdentity, error) {
	handler := &captureHandler{}
	if _, err := server.NewConn(s.client, s.auth.User, s.auth.Password, handler); err != nil {
		return handshakeIdentity{}, fmt.Errorf("mysql handshake: %w", err)
	}
	return handshakeIdentity{user: s.auth.User, database: handler.database}, nil
}

// receiveStartup frames and answers the Postgres startup exchange: SSL and
// GSS requests get the proxy's 'N', a CancelRequest is forwarded out of band,
// and the StartupMessage yields the client's parameters. It runs before any
// backend connection is leased, so cancel connections never consume one.
func (s *Session) receiveStartup() (map[string]string, error) {
	codec := pgwire.NewStartupCodec(s.maxFrame)
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		frame, consumed, err := codec.Decode(pending)
		if err != nil {
			return nil, fmt.Errorf("startup message: %w", err)
		}
		if frame == nil {
			n, rerr := s.client.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			if rerr != nil {
				return nil, fmt.Errorf("receive startup message: %w", rerr)
			}
			continue
		}
		pending = pending[consumed:]

		if pgwire.IsSSLRequest(frame.Bytes) {
			if _, werr := s.client.Write([]byte{sslNotSupported}); werr != nil {
				return nil, fmt.Errorf("answer encryption request: %w", werr)
			}
			// The message after an answered encryption request is untyped
			// again.
			codec = pgwire.NewStartupCodec(s.maxFrame)
			continue
		}
		if processID, secretKey, ok := pgwire.ParseCancel(frame.Bytes); ok {
			s.forwardCancel(processID, secretKey)
			return nil, errCancelRequest
		}
		return parseStartup(frame.Bytes)
	}
}

func parseStartup(frame []byte) (map[string]string, error) {
	if len(frame) < 8 || binary.BigEndian.Uint32(frame[4:8]) != pgproto3.ProtocolVersionNumber {
		return nil, fmt.Errorf("%w: unrecognized startup message", protocol.ErrProtocol)
	}
	var msg pgproto3.StartupMessage
	if err := msg.Decode(frame[4:]); err != nil {
		return nil, fmt.Errorf("%w: decode startup message: %v", protocol.ErrProtocol, err)
	}
	return msg.Parameters, nil
}

// handshakePostgres presents the leased backend connection's session identity
// to a client whose startup message was already received: AuthenticationOk,
// its parameter statuses and BackendKeyData, and an idle ReadyForQuery.
func (s *Session) handshakePostgres(parameters map[string]string) (handshakeIdentity, error) {
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(s.client), s.client)
	if err := s.prepareClient(backend, s.backend); err != nil {
		return handshakeIdentity{}, err
	}
	return handshakeIdentity{user: parameters["user"], database: parameters["database"]}, nil
}

// forwardCancel relays a CancelRequest to the backend on a fresh one-shot
// connection. The key data clients hold came from a real backend session, so
// the backend can match it.
func (s *Session) forwardCancel(processID, secretKey uint32) {
	conn, err := net.DialTimeout("tcp", s.auth.Addr(), s.auth.ConnectTimeout)
	if err != nil {
		s.logger.Warnw("cancel request not forwarded", "id", s.ID, "error", err)
		return
	}
	defer conn.Close()
	conn.Write(pgwire.EncodeCancel(processID, secretKey))
}

func (s *Session) prepareClient(backend *pgproto3.Backend, leased *pool.BackendConn) error {
	if err := backend.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return fmt.Errorf("send auth ok: %w", err)
	}
	for name, value := range leased.Parameters {
		if err := backend.Send(&pgproto3.ParameterStatus{Name: name, Value: value}); err != nil {
			return fmt.Errorf("send parameter status %s: %w", name, err)
		}
	}
	if err := backend.Send(&pgproto3.BackendKeyData{ProcessID: leased.ProcessID, SecretKey: leased.SecretKey}); err != nil {
		return fmt.Errorf("send backend key data: %w", err)
	}
	if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: pgwire.TxIdle}); err != nil {
		return fmt.Errorf("send ready for query: %w", err)
	}
	return nil
}
