// Package relay pairs one client connection with one leased backend
// connection and keeps the two streams synchronized: frames are decoded just
// enough to spot session boundaries and otherwise forwarded byte for byte,
// both directions concurrently, until either peer ends the session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sql-db-proxy/internal/config"
	"sql-db-proxy/internal/observe"
	"sql-db-proxy/internal/pool"
	"sql-db-proxy/internal/protocol"
	"sql-db-proxy/internal/protocol/mysqlwire"
	"sql-db-proxy/internal/protocol/pgwire"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateRelaying
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errBackendLost  = errors.New("backend connection lost")
	errBackendFatal = errors.New("backend reported fatal error")
)

const (
	readBufferSize = 32 * 1024
	teardownWrite  = time.Second

	// handshakeTimeout bounds the pre-relay phases when no connect timeout
	// is configured; a silent client must not hold a lease open forever.
	handshakeTimeout = 10 * time.Second
)

type Options struct {
	Kind        protocol.Kind
	ClientConn  net.Conn
	Pool        *pool.Pool
	Auth        config.Backend
	MaxFrame    int
	IdleTimeout time.Duration
	Logger      *zap.SugaredLogger
	Events      observe.Events
	Trace       *observe.Trace
}

// Session owns its pair of sockets exclusively from accept to teardown.
type Session struct {
	ID string

	kind        protocol.Kind
	client      *countingConn
	pool        *pool.Pool
	auth        config.Backend
	maxFrame    int
	idleTimeout time.Duration
	logger      *zap.SugaredLogger
	events      observe.Events
	trace       *observe.Trace

	backend *pool.BackendConn

	state      atomic.Int32
	halfClosed atomic.Bool

	// Pool-health bookkeeping: a connection goes back to the idle set only
	// if the backend never misbehaved, no client command is still awaiting
	// its reply, and (Postgres) the session ended outside a transaction.
	backendFault  atomic.Bool
	protoFault    atomic.Bool
	awaitingReply atomic.Int64
	txStatus      atomic.Int32

	clientCodec protocol.Codec
}

func New(o Options) *Session {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	events := o.Events
	if events == nil {
		events = observe.NopEvents{}
	}
	s := &Session{
		ID:          uuid.New().String(),
		kind:        o.Kind,
		client:      newCountingConn(o.ClientConn),
		pool:        o.Pool,
		auth:        o.Auth,
		maxFrame:    o.MaxFrame,
		idleTimeout: o.IdleTimeout,
		logger:      logger,
		events:      events,
		trace:       o.Trace,
	}
	s.state.Store(int32(StateConnecting))
	s.txStatus.Store(int32(pgwire.TxIdle))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
	s.logger.Debugw("session state", "id", s.ID, "state", next.String())
}

// Run drives the session to completion and reports how it ended. Client-
// initiated closes, clean quits and verbatim-forwarded backend errors are not
// session errors.
func (s *Session) Run(ctx context.Context) error {
	defer s.client.Close()
	err := s.run(ctx)
	s.setState(StateClosed)
	if errors.Is(err, errCancelRequest) {
		err = nil
	}
	s.events.OnSessionClosed(s.ID, s.client.BytesToBackend(), s.client.BytesToClient(), err)
	return err
}

func (s *Session) run(ctx context.Context) error {
	// Cancellation before the relay loops are running unblocks by expiring
	// the client deadlines; the deadline alone bounds a silent client.
	stop := context.AfterFunc(ctx, func() { s.client.SetDeadline(time.Now()) })
	defer stop()
	s.client.SetDeadline(time.Now().Add(s.handshakeDeadline()))

	// A Postgres connection opens with a startup exchange, and some of
	// those connections are cancel requests rather than sessions. Receive
	// it before leasing a backend connection so cancels never consume one.
	var parameters map[string]string
	if s.kind == protocol.Postgres {
		var err error
		if parameters, err = s.receiveStartup(); err != nil {
			return err
		}
	}

	s.setState(StateConnecting)
	backend, err := s.pool.Acquire(ctx)
	if err != nil {
		s.refuse(err)
		return fmt.Errorf("acquire %s backend: %w", s.kind, err)
	}
	s.backend = backend
	defer func() {
		s.pool.Release(backend, s.reusable())
	}()

	s.setState(StateHandshaking)
	identity, err := s.handshake(parameters)
	if err != nil {
		s.events.OnHandshake(s.ID, identity.user, identity.database, err)
		return err
	}
	s.client.SetDeadline(time.Time{})
	s.events.OnHandshake(s.ID, identity.user, identity.database, nil)

	s.setState(StateRelaying)
	relayErr := s.relayStreams(ctx)
	// Frames decoded before the terminating event were forwarded as they
	// were decoded; there is nothing further to flush.
	if relayErr == nil || errors.Is(relayErr, errBackendFatal) {
		return nil
	}
	return relayErr
}

func (s *Session) handshakeDeadline() time.Duration {
	if s.auth.ConnectTimeout > 0 {
		return s.auth.ConnectTimeout
	}
	return handshakeTimeout
}

func (s *Session) handshake(parameters map[string]string) (handshakeIdentity, error) {
	if s.kind == protocol.MySQL {
		return s.handshakeMySQL()
	}
	return s.handshakePostgres(parameters)
}

func (s *Session) reusable() bool {
	if s.backendFault.Load() || s.protoFault.Load() {
		return false
	}
	if s.awaitingReply.Load() != 0 {
		return false
	}
	if s.kind == protocol.Postgres && byte(s.txStatus.Load()) != pgwire.TxIdle {
		return false
	}
	return true
}

func (s *Session) newCodec(dir protocol.Direction) protocol.Codec {
	if s.kind == protocol.MySQL {
		return mysqlwire.NewCodec(dir, s.maxFrame)
	}
	return pgwire.NewCodec(dir, s.maxFrame)
}

// relayStreams runs the two directional copies until both finish. Reads are
// the only blocking points; cancellation and drains unblock them by expiring
// the read deadlines.
func (s *Session) relayStreams(ctx context.Context) error {
	clientCodec := s.newCodec(protocol.ClientToBackend)
	backendCodec := s.newCodec(protocol.BackendToClient)
	s.clientCodec = clientCodec

	wg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, s.kickReads)
	defer stop()

	wg.Go(func() error {
		return s.copyFrames(ctx, s.backend.Conn(), s.client, clientCodec, protocol.ClientToBackend)
	})
	wg.Go(func() error {
		return s.copyFrames(ctx, s.client, s.backend.Conn(), backendCodec, protocol.BackendToClient)
	})
	return wg.Wait()
}

func (s *Session) kickReads() {
	now := time.Now()
	s.client.SetReadDeadline(now)
	s.backend.Conn().SetReadDeadline(now)
}

// beginDrain ends the steady state: both directions observe halfClosed and
// treat their next read failure as a clean stop.
func (s *Session) beginDrain() {
	s.state.CompareAndSwap(int32(StateRelaying), int32(StateDraining))
	s.halfClosed.Store(true)
	s.kickReads()
}

func (s *Session) copyFrames(ctx context.Context, dst, src net.Conn, codec protocol.Codec, dir protocol.Direction) error {
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		if s.idleTimeout > 0 && !s.halfClosed.Load() {
			src.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			done, ferr := s.forward(&pending, dst, codec, dir)
			if done || ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return s.readFailed(ctx, dir, err)
		}
	}
}

// forward drains every complete frame out of pending. It reports done when
// the session must stop reading in this direction.
func (s *Session) forward(pending *[]byte, dst net.Conn, codec protocol.Codec, dir protocol.Direction) (done bool, err error) {
	buf := *pending
	for {
		frame, consumed, derr := codec.Decode(buf)
		if derr != nil {
			s.protoFault.Store(true)
			s.sendProtocolError()
			s.beginDrain()
			return true, fmt.Errorf("%s: %w", dir, derr)
		}
		if frame == nil {
			break
		}
		if s.trace != nil {
			s.trace.Record(dir, frame.Class, len(frame.Bytes))
		}
		if frame.Class == protocol.Terminate {
			// The quit is not forwarded; the backend connection outlives
			// the client.
			s.beginDrain()
			return true, nil
		}
		// Count the command before the backend can see it, so its reply
		// cannot observe a stale count.
		s.noteForwarded(dir, frame)
		if _, werr := dst.Write(frame.Bytes); werr != nil {
			return true, s.writeFailed(dir, werr)
		}
		if frame.Class == protocol.FatalError {
			s.backendFault.Store(true)
			s.beginDrain()
			return true, errBackendFatal
		}
		buf = buf[consumed:]
	}
	*pending = buf
	return false, nil
}

func (s *Session) noteForwarded(dir protocol.Direction, frame *protocol.Frame) {
	if dir == protocol.ClientToBackend {
		s.awaitingReply.Add(1)
		return
	}
	s.awaitingReply.Store(0)
	if s.kind == protocol.Postgres {
		if status, ok := pgwire.TxStatus(frame.Bytes); ok {
			s.txStatus.Store(int32(status))
		}
	}
}

func (s *Session) readFailed(ctx context.Context, dir protocol.Direction, err error) error {
	if s.halfClosed.Load() {
		return nil
	}
	if ctx.Err() != nil {
		s.beginDrain()
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.beginDrain()
		if dir == protocol.ClientToBackend {
			return fmt.Errorf("client idle for %s, closing session", s.idleTimeout)
		}
		s.backendFault.Store(true)
		s.sendBackendLost()
		return fmt.Errorf("%w: no data for %s", errBackendLost, s.idleTimeout)
	}
	if dir == protocol.ClientToBackend {
		// Abrupt client disconnect is a non-error close; the backend was
		// not at fault.
		s.beginDrain()
		return nil
	}
	s.backendFault.Store(true)
	s.sendBackendLost()
	s.beginDrain()
	return fmt.Errorf("%w: %v", errBackendLost, err)
}

func (s *Session) writeFailed(dir protocol.Direction, err error) error {
	if s.halfClosed.Load() {
		return nil
	}
	s.beginDrain()
	if dir == protocol.ClientToBackend {
		s.backendFault.Store(true)
		s.sendBackendLost()
		return fmt.Errorf("%w: %v", errBackendLost, err)
	}
	return nil
}

// nextSeq is the sequence id a synthesized MySQL packet must carry to
// continue the conversation the client last saw.
func (s *Session) nextSeq() byte {
	if c, ok := s.clientCodec.(*mysqlwire.Codec); ok {
		if last, decoded := c.LastSeq(); decoded {
			return last + 1
		}
	}
	return 0
}

// sendBackendLost tells the client the backend vanished, in its own
// protocol, so client tooling can tell a proxy-observed fault from a silent
// hangup.
func (s *Session) sendBackendLost() {
	s.client.SetWriteDeadline(time.Now().Add(teardownWrite))
	if s.kind == protocol.MySQL {
		s.client.Write(mysqlwire.EncodeErr(s.nextSeq(), mysqlwire.CodeServerLost, "Lost connection to backend server during query"))
		return
	}
	if frame, err := pgwire.EncodeError(pgwire.CodeConnectionFailure, "connection to backend lost"); err == nil {
		s.client.Write(frame)
	}
}

func (s *Session) sendProtocolError() {
	s.client.SetWriteDeadline(time.Now().Add(teardownWrite))
	if s.kind == protocol.MySQL {
		s.client.Write(mysqlwire.EncodeErr(s.nextSeq(), mysqlwire.CodeUnknownError, "Malformed packet, closing session"))
		return
	}
	if frame, err := pgwire.EncodeError(pgwire.CodeProtocolViolation, "malformed message, closing session"); err == nil {
		s.client.Write(frame)
	}
}

// refuse reports a Connecting-stage failure to the client as a
// protocol-native error instead of a bare disconnect. The Postgres startup
// exchange was already answered before the lease was requested, so both kinds
// of client are waiting on exactly one frame.
func (s *Session) refuse(cause error) {
	s.client.SetWriteDeadline(time.Now().Add(teardownWrite))
	if s.kind == protocol.MySQL {
		code := uint16(mysqlwire.CodeUnknownError)
		message := "Could not connect to backend server"
		if errors.Is(cause, pool.ErrPoolExhausted) {
			code = mysqlwire.CodeTooManyConnections
			message = "Too many connections"
		}
		s.client.Write(mysqlwire.EncodeErr(0, code, message))
		return
	}
	code := pgwire.CodeCannotConnect
	if errors.Is(cause, pool.ErrPoolExhausted) {
		code = pgwire.CodeTooManyConnections
	}
	if frame, err := pgwire.EncodeError(code, cause.Error()); err == nil {
		s.client.Write(frame)
	}
}
