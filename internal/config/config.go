// Package config loads proxy configuration from the environment. Any
// malformed value is a ConfigError and fatal at startup; the process must not
// bind listeners with a half-understood configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var ErrConfig = errors.New("config error")

const (
	envPrefix = "DBPROXY_"

	// ListenDisabled turns one of the two listeners off.
	ListenDisabled = "off"

	defaultMySQLListen    = ":3306"
	defaultPostgresListen = ":5432"
	defaultMySQLPort      = 3306
	defaultPostgresPort   = 5432
	defaultMaxPoolSize    = 8
	defaultConnectTimeout = 5 * time.Second
	defaultAcquireTimeout = 10 * time.Second

	// Largest frame either codec will accept: a full 16MiB MySQL payload
	// plus its header. Guards against memory exhaustion from a bad peer.
	defaultMaxFrameBytes = 16*1024*1024 + 4
)

type Config struct {
	MySQLListen    string `json:"mysql_listen"`
	PostgresListen string `json:"postgres_listen"`
	MaxFrameBytes  int    `json:"max_frame_bytes"`

	MySQL    Backend `json:"mysql"`
	Postgres Backend `json:"postgres"`
}

type Backend struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Database       string        `json:"database"`
	User           string        `json:"user"`
	Password       string        `json:"-"`
	MaxPoolSize    int           `json:"max_pool_size"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
}

func (b Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// FromEnv builds a Config from DBPROXY_* environment variables, applying
// defaults and validating the result.
func FromEnv() (*Config, error) {
	c := &Config{
		MySQLListen:    envString("MYSQL_LISTEN", defaultMySQLListen),
		PostgresListen: envString("POSTGRES_LISTEN", defaultPostgresListen),
	}

	var err error
	if c.MaxFrameBytes, err = envInt("MAX_FRAME_BYTES", defaultMaxFrameBytes); err != nil {
		return nil, err
	}
	if c.MySQL, err = backendFromEnv("MYSQL", defaultMySQLPort); err != nil {
		return nil, err
	}
	if c.Postgres, err = backendFromEnv("POSTGRES", defaultPostgresPort); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) MySQLEnabled() bool {
	return c.MySQLListen != ListenDisabled
}

func (c *Config) PostgresEnabled() bool {
	return c.PostgresListen != ListenDisabled
}

func (c *Config) validate() error {
	if !c.MySQLEnabled() && !c.PostgresEnabled() {
		return fmt.Errorf("%w: both listeners disabled", ErrConfig)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("%w: max frame bytes %d is unusably small", ErrConfig, c.MaxFrameBytes)
	}
	if c.MySQLEnabled() {
		if err := c.MySQL.validate("mysql"); err != nil {
			return err
		}
	}
	if c.PostgresEnabled() {
		if err := c.Postgres.validate("postgres"); err != nil {
			return err
		}
	}
	return nil
}

func (b Backend) validate(name string) error {
	if b.Host == "" {
		return fmt.Errorf("%w: %s backend host is required", ErrConfig, name)
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("%w: %s backend port %d out of range", ErrConfig, name, b.Port)
	}
	if b.MaxPoolSize <= 0 {
		return fmt.Errorf("%w: %s pool size must be positive", ErrConfig, name)
	}
	return nil
}

func backendFromEnv(prefix string, defaultPort int) (Backend, error) {
	b := Backend{
		Host:     envString(prefix+"_HOST", ""),
		Database: envString(prefix+"_DATABASE", ""),
		User:     envString(prefix+"_USER", ""),
		Password: envString(prefix+"_PASSWORD", ""),
	}
	var err error
	if b.Port, err = envInt(prefix+"_PORT", defaultPort); err != nil {
		return b, err
	}
	if b.MaxPoolSize, err = envInt(prefix+"_MAX_POOL_SIZE", defaultMaxPoolSize); err != nil {
		return b, err
	}
	if b.ConnectTimeout, err = envDuration(prefix+"_CONNECT_TIMEOUT", defaultConnectTimeout); err != nil {
		return b, err
	}
	if b.AcquireTimeout, err = envDuration(prefix+"_ACQUIRE_TIMEOUT", defaultAcquireTimeout); err != nil {
		return b, err
	}
	if b.IdleTimeout, err = envDuration(prefix+"_IDLE_TIMEOUT", 0); err != nil {
		return b, err
	}
	return b, nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s=%q is not an integer", ErrConfig, envPrefix, key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s%s=%q is not a duration", ErrConfig, envPrefix, key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s%s must not be negative", ErrConfig, envPrefix, key)
	}
	return d, nil
}
