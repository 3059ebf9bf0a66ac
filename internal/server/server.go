// Package server binds one listening address per supported backend protocol
// and hands every accepted connection to a session relay for the kind implied
// by the listening port. Bind and accept failures are fatal to the process;
// everything that happens after accept is contained to its session.
package server

import (
	"context"
	"fmt"
	"net"
	"runtime/pprof"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sql-db-proxy/internal/config"
	"sql-db-proxy/internal/observe"
	"sql-db-proxy/internal/pool"
	"sql-db-proxy/internal/protocol"
	"sql-db-proxy/internal/relay"
)

type Proxy struct {
	c      *config.Config
	logger *zap.SugaredLogger
	events observe.Events
	pools  map[protocol.Kind]*pool.Pool

	sessions sync.WaitGroup
}

type binding struct {
	kind     protocol.Kind
	listener net.Listener
	auth     config.Backend
}

func New(c *config.Config, events observe.Events, logger *zap.SugaredLogger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if events == nil {
		events = observe.NopEvents{}
	}

	pools := make(map[protocol.Kind]*pool.Pool)
	if c.MySQLEnabled() {
		p, err := pool.New(pool.Options{
			Kind:           protocol.MySQL,
			Dial:           pool.MySQLDialer(c.MySQL),
			MaxSize:        c.MySQL.MaxPoolSize,
			ConnectTimeout: c.MySQL.ConnectTimeout,
			AcquireTimeout: c.MySQL.AcquireTimeout,
			Logger:         logger,
			Events:         events,
		})
		if err != nil {
			return nil, err
		}
		pools[protocol.MySQL] = p
	}
	if c.PostgresEnabled() {
		p, err := pool.New(pool.Options{
			Kind:           protocol.Postgres,
			Dial:           pool.PostgresDialer(c.Postgres),
			MaxSize:        c.Postgres.MaxPoolSize,
			ConnectTimeout: c.Postgres.ConnectTimeout,
			AcquireTimeout: c.Postgres.AcquireTimeout,
			Logger:         logger,
			Events:         events,
		})
		if err != nil {
			return nil, err
		}
		pools[protocol.Postgres] = p
	}
	return &Proxy{c: c, logger: logger, events: events, pools: pools}, nil
}

// Serve binds every configured listener, then accepts until ctx is done.
// It returns after in-flight sessions have drained and the pools are closed.
func (p *Proxy) Serve(ctx context.Context) error {
	var bindings []*binding
	closeAll := func() {
		for _, b := range bindings {
			b.listener.Close()
		}
	}

	if p.c.MySQLEnabled() {
		listener, err := net.Listen("tcp", p.c.MySQLListen)
		if err != nil {
			closeAll()
			return fmt.Errorf("bind mysql listener on %s: %w", p.c.MySQLListen, err)
		}
		bindings = append(bindings, &binding{kind: protocol.MySQL, listener: listener, auth: p.c.MySQL})
	}
	if p.c.PostgresEnabled() {
		listener, err := net.Listen("tcp", p.c.PostgresListen)
		if err != nil {
			closeAll()
			return fmt.Errorf("bind postgres listener on %s: %w", p.c.PostgresListen, err)
		}
		bindings = append(bindings, &binding{kind: protocol.Postgres, listener: listener, auth: p.c.Postgres})
	}

	// A failed accept loop cancels the group context, which closes the
	// other listeners; one router failure is fatal to the whole process.
	wg, ctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		b := b
		p.logger.Infow("listening", "kind", b.kind.String(), "addr", b.listener.Addr().String())
		wg.Go(func() error { return p.serveListener(ctx, b) })
	}
	err := wg.Wait()

	p.sessions.Wait()
	for _, pl := range p.pools {
		pl.Close()
	}
	return err
}

func (p *Proxy) serveListener(ctx context.Context, b *binding) error {
	stop := context.AfterFunc(ctx, func() { b.listener.Close() })
	defer stop()
	defer b.listener.Close()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", b.listener.Addr(), err)
		}
		p.sessions.Add(1)
		go pprof.Do(ctx, pprof.Labels("name", "handle-session", "kind", b.kind.String()), func(ctx context.Context) {
			defer p.sessions.Done()
			p.handleConn(ctx, b, conn)
		})
	}
}

func (p *Proxy) handleConn(ctx context.Context, b *binding, conn net.Conn) {
	sess := relay.New(relay.Options{
		Kind:        b.kind,
		ClientConn:  conn,
		Pool:        p.pools[b.kind],
		Auth:        b.auth,
		MaxFrame:    p.c.MaxFrameBytes,
		IdleTimeout: b.auth.IdleTimeout,
		Logger:      p.logger,
		Events:      p.events,
	})
	p.events.OnSessionAccept(sess.ID, b.kind.String(), conn.LocalAddr().String(), conn.RemoteAddr().String())
	if err := sess.Run(ctx); err != nil {
		p.logger.Errorw("session failed", "id", sess.ID, "kind", b.kind.String(), "error", err)
	}
}

// Pool exposes a backend pool for inspection.
func (p *Proxy) Pool(kind protocol.Kind) *pool.Pool {
	return p.pools[kind]
}
