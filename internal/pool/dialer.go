package pool

import (
	"context"
	"fmt"
	"net"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"

	"sql-db-proxy/internal/config"
)

// MySQLDialer authenticates to the MariaDB/MySQL backend with the configured
// credentials and hands back the raw socket, which is quiescent once the
// handshake completes. The go-mysql client does the handshake; the dialer
// closure captures the underlying net.Conn so the relay can speak to it
// without the client's packet layer in between.
func MySQLDialer(c config.Backend) DialFunc {
	return func(ctx context.Context) (*BackendConn, error) {
		var raw net.Conn
		dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err == nil {
				raw = conn
			}
			return conn, err
		}
		if _, err := client.ConnectWithDialer(ctx, "tcp", c.Addr(), c.User, c.Password, c.Database, dialer); err != nil {
			if raw != nil {
				raw.Close()
			}
			return nil, fmt.Errorf("mysql connect %s: %w", c.Addr(), err)
		}
		return &BackendConn{ID: uuid.New().String(), raw: raw}, nil
	}
}

// PostgresDialer connects and authenticates through pgconn, then hijacks the
// connection to take over the raw socket. The hijacked process id, secret key
// and parameter statuses are kept so the relay can present them to clients.
func PostgresDialer(c config.Backend) DialFunc {
	return func(ctx context.Context) (*BackendConn, error) {
		cfg, err := pgconn.ParseConfig(fmt.Sprintf("postgres://%s?sslmode=disable", c.Addr()))
		if err != nil {
			return nil, fmt.Errorf("postgres config %s: %w", c.Addr(), err)
		}
		cfg.User = c.User
		cfg.Password = c.Password
		if c.Database != "" {
			cfg.Database = c.Database
		}

		conn, err := pgconn.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres connect %s: %w", c.Addr(), err)
		}
		hijacked, err := conn.Hijack()
		if err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("hijack postgres connection: %w", err)
		}
		return &BackendConn{
			ID:         uuid.New().String(),
			raw:        hijacked.Conn,
			ProcessID:  hijacked.PID,
			SecretKey:  hijacked.SecretKey,
			Parameters: hijacked.ParameterStatuses,
		}, nil
	}
}
