// Package pool owns the proxy's backend connections: a bounded set per
// backend kind, opened lazily, leased to one session at a time and reused
// oldest-idle-first. Health is not probed in the background; a connection
// reported unhealthy at release is simply discarded.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sql-db-proxy/internal/observe"
	"sql-db-proxy/internal/protocol"
)

var (
	ErrPoolExhausted      = errors.New("pool exhausted")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrPoolClosed         = errors.New("pool closed")
)

// DialFunc opens and authenticates one backend connection. Implementations
// live in dialer.go.
type DialFunc func(ctx context.Context) (*BackendConn, error)

type Options struct {
	Kind           protocol.Kind
	Dial           DialFunc
	MaxSize        int
	ConnectTimeout time.Duration
	AcquireTimeout time.Duration
	Logger         *zap.SugaredLogger
	Events         observe.Events
}

type Pool struct {
	kind           protocol.Kind
	dial           DialFunc
	connectTimeout time.Duration
	acquireTimeout time.Duration
	logger         *zap.SugaredLogger
	events         observe.Events

	// idle is the FIFO reuse queue; slots caps the number of live
	// connections. A token in slots is held for every connection that
	// exists, leased or idle, so leased+idle can never exceed MaxSize.
	idle  chan *BackendConn
	slots chan struct{}

	closed atomic.Bool
}

func New(o Options) (*Pool, error) {
	if o.Dial == nil {
		return nil, fmt.Errorf("pool for %s: dial func is required", o.Kind)
	}
	if o.MaxSize <= 0 {
		return nil, fmt.Errorf("pool for %s: max size must be positive", o.Kind)
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	events := o.Events
	if events == nil {
		events = observe.NopEvents{}
	}
	return &Pool{
		kind:           o.Kind,
		dial:           o.Dial,
		connectTimeout: o.ConnectTimeout,
		acquireTimeout: o.AcquireTimeout,
		logger:         logger,
		events:         events,
		idle:           make(chan *BackendConn, o.MaxSize),
		slots:          make(chan struct{}, o.MaxSize),
	}, nil
}

func (p *Pool) Kind() protocol.Kind {
	return p.kind
}

// Acquire leases a connection: the longest-idle one when any are idle, a
// freshly dialed one while the pool is below its maximum, otherwise it waits
// until a release or the acquire timeout. No lock is held while dialing or
// waiting, so acquirers never stall each other.
func (p *Pool) Acquire(ctx context.Context) (*BackendConn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	select {
	case conn := <-p.idle:
		return conn, nil
	case p.slots <- struct{}{}:
		return p.openWithSlot(ctx)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no %s connection within %s", ErrPoolExhausted, p.kind, p.acquireTimeout)
	}
}

// openWithSlot runs with a slot token already held. A release may have landed
// while the token was being won; the idle connection wins over dialing a new
// one, preserving oldest-first reuse.
func (p *Pool) openWithSlot(ctx context.Context) (*BackendConn, error) {
	select {
	case conn := <-p.idle:
		<-p.slots
		return conn, nil
	default:
	}
	conn, err := p.open(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return conn, nil
}

func (p *Pool) open(ctx context.Context) (*BackendConn, error) {
	if p.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.connectTimeout)
		defer cancel()
	}
	conn, err := p.dial(ctx)
	if err != nil {
		p.events.OnBackendDial(p.kind.String(), "", err)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	conn.Kind = p.kind
	conn.createdAt = time.Now()
	p.events.OnBackendDial(p.kind.String(), conn.ID, nil)
	p.logger.Infow("opened backend connection", "kind", p.kind.String(), "conn", conn.ID)
	return conn, nil
}

// Release returns a leased connection. Unhealthy connections are closed and
// their slot freed so a later Acquire may dial a replacement; healthy ones
// join the back of the idle queue.
func (p *Pool) Release(conn *BackendConn, healthy bool) {
	if conn == nil {
		return
	}
	if !healthy || p.closed.Load() {
		p.discard(conn)
		return
	}
	conn.idleSince = time.Now()
	select {
	case p.idle <- conn:
	default:
		// Unreachable while the slot accounting holds. Dropping the
		// connection beats blocking a session's teardown.
		p.discard(conn)
	}
}

func (p *Pool) discard(conn *BackendConn) {
	conn.Close()
	<-p.slots
	p.events.OnBackendDiscard(p.kind.String(), conn.ID)
	p.logger.Infow("closed backend connection", "kind", p.kind.String(), "conn", conn.ID)
}

// Close marks the pool closed and tears down the idle set. Leased connections
// are closed as their sessions release them.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case conn := <-p.idle:
			p.discard(conn)
		default:
			return
		}
	}
}

// Live reports how many connections currently exist, leased or idle.
func (p *Pool) Live() int {
	return len(p.slots)
}

// Idle reports how many connections sit in the reuse queue.
func (p *Pool) Idle() int {
	return len(p.idle)
}
