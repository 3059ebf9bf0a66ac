package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_POSTGRES_HOST", "db2.internal")

		c, err := FromEnv()
		require.NoError(t, err)
		require.Equal(t, ":3306", c.MySQLListen)
		require.Equal(t, ":5432", c.PostgresListen)
		require.Equal(t, 16*1024*1024+4, c.MaxFrameBytes)
		require.Equal(t, "db1.internal:3306", c.MySQL.Addr())
		require.Equal(t, "db2.internal:5432", c.Postgres.Addr())
		require.Equal(t, 8, c.MySQL.MaxPoolSize)
		require.Equal(t, 5*time.Second, c.Postgres.ConnectTimeout)
		require.Equal(t, 10*time.Second, c.Postgres.AcquireTimeout)
		require.Zero(t, c.Postgres.IdleTimeout)
		require.True(t, c.MySQLEnabled())
		require.True(t, c.PostgresEnabled())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_LISTEN", "127.0.0.1:13306")
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_MYSQL_PORT", "3307")
		t.Setenv("DBPROXY_MYSQL_USER", "proxy")
		t.Setenv("DBPROXY_MYSQL_PASSWORD", "hunter2")
		t.Setenv("DBPROXY_MYSQL_MAX_POOL_SIZE", "32")
		t.Setenv("DBPROXY_MYSQL_IDLE_TIMEOUT", "90s")
		t.Setenv("DBPROXY_POSTGRES_LISTEN", ListenDisabled)

		c, err := FromEnv()
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:13306", c.MySQLListen)
		require.Equal(t, "db1.internal:3307", c.MySQL.Addr())
		require.Equal(t, "proxy", c.MySQL.User)
		require.Equal(t, "hunter2", c.MySQL.Password)
		require.Equal(t, 32, c.MySQL.MaxPoolSize)
		require.Equal(t, 90*time.Second, c.MySQL.IdleTimeout)
		require.False(t, c.PostgresEnabled())
	})

	t.Run("disabled-listener-skips-backend-validation", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_LISTEN", ListenDisabled)
		t.Setenv("DBPROXY_POSTGRES_HOST", "db2.internal")

		c, err := FromEnv()
		require.NoError(t, err)
		require.False(t, c.MySQLEnabled())
		require.Empty(t, c.MySQL.Host)
	})

	t.Run("both-listeners-disabled", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_LISTEN", ListenDisabled)
		t.Setenv("DBPROXY_POSTGRES_LISTEN", ListenDisabled)

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("missing-host", func(t *testing.T) {
		t.Setenv("DBPROXY_POSTGRES_LISTEN", ListenDisabled)

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
		require.ErrorContains(t, err, "mysql backend host")
	})

	t.Run("malformed-integer", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_MYSQL_PORT", "not-a-port")

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
		require.ErrorContains(t, err, "DBPROXY_MYSQL_PORT")
	})

	t.Run("malformed-duration", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_MYSQL_CONNECT_TIMEOUT", "fast")

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("negative-duration", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_MYSQL_ACQUIRE_TIMEOUT", "-5s")

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("port-out-of-range", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_MYSQL_PORT", "70000")
		t.Setenv("DBPROXY_POSTGRES_LISTEN", ListenDisabled)

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("unusable-frame-cap", func(t *testing.T) {
		t.Setenv("DBPROXY_MYSQL_HOST", "db1.internal")
		t.Setenv("DBPROXY_POSTGRES_LISTEN", ListenDisabled)
		t.Setenv("DBPROXY_MAX_FRAME_BYTES", "16")

		_, err := FromEnv()
		require.ErrorIs(t, err, ErrConfig)
	})
}
