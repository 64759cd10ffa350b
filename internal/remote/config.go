// Package remote implements the LDAP transport for replication
// agreements whose consumer lives on another host. It satisfies the
// same consumer interface as the in-process loopback, speaking the
// directory's wire protocol through a pooled go-ldap client.
package remote

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// MaxConnectionPoolLimit caps the pool size to protect both sides from
// connection exhaustion.
const MaxConnectionPoolLimit = 100

// ConnectionConfig describes how to reach and authenticate against a
// remote directory instance.
type ConnectionConfig struct {
	// URLs lists the LDAP URLs of the remote instance, tried in order.
	URLs []string

	// BindDN and BindPassword authenticate the replication connection.
	BindDN       string
	BindPassword string

	// TLSConfig enables TLS; nil means plain connections.
	TLSConfig *tls.Config

	// StartTLS upgrades plain connections before binding.
	StartTLS bool

	MaxConnections int           `default:"4"`
	MaxIdleTime    time.Duration `default:"5m"`
	Timeout        time.Duration `default:"30s"`

	// Retry behaviour for connection establishment.
	MaxRetries     int           `default:"3"`
	InitialBackoff time.Duration `default:"500ms"`
	MaxBackoff     time.Duration `default:"10s"`
	BackoffFactor  float64       `default:"2.0"`
}

// NewConnectionConfig fills in defaults and validates.
func NewConnectionConfig(urls []string, bindDN, password string) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		URLs:         urls,
		BindDN:       bindDN,
		BindPassword: password,
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *ConnectionConfig) Validate() error {
	if len(c.URLs) == 0 {
		return errors.New("at least one LDAP URL is required")
	}
	if c.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}
	if c.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}
	if c.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}
	if c.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}
	return nil
}
