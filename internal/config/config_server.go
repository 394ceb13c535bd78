package config

import (
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown, including draining
	// background compactions.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxRequestBytes caps the chat request body.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

func (s ServerConfig) validate() []string {
	var issues []string
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		issues = append(issues, issuef("server.http_port %d is out of range", s.HTTPPort))
	}
	if s.MaxRequestBytes < 0 {
		issues = append(issues, "server.max_request_bytes must not be negative")
	}
	return issues
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres or cockroach.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// InMemory reports whether the in-process stores are selected.
func (d DatabaseConfig) InMemory() bool {
	return d.Driver == "memory"
}

// PoolConfig converts the pool settings for storage.NewSQLStoresFromDSN.
func (d DatabaseConfig) PoolConfig() *storage.PoolConfig {
	return &storage.PoolConfig{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
	}
}

// Open creates the stores selected by the driver.
func (d DatabaseConfig) Open() (storage.StoreSet, error) {
	if d.InMemory() {
		return storage.NewMemoryStores(), nil
	}
	return storage.NewSQLStoresFromDSN(d.Driver, d.URL, d.PoolConfig())
}

func (d DatabaseConfig) validate() []string {
	if d.InMemory() {
		return nil
	}
	var issues []string
	if _, err := storage.ParseDialect(d.Driver); err != nil {
		issues = append(issues, issuef("database.driver: %v", err))
	}
	if d.URL == "" {
		issues = append(issues, issuef("database.url is required for driver %q", d.Driver))
	}
	if d.MaxIdleConns > d.MaxOpenConns {
		issues = append(issues, "database.max_idle_conns must not exceed max_open_conns")
	}
	return issues
}
