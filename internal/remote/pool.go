package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// pooledConn wraps one LDAP connection with pool bookkeeping.
type pooledConn struct {
	conn     *ldap.Conn
	lastUsed time.Time
	healthy  bool
}

// Pool maintains authenticated LDAP connections to one remote instance,
// creating them lazily with exponential backoff across the configured
// URLs.
type Pool struct {
	config *ConnectionConfig
	logger *zap.Logger

	mu          sync.RWMutex
	closed      bool
	connections chan *pooledConn

	totalCreated atomic.Int64
	totalErrors  atomic.Int64
}

// NewPool creates a pool; no connections are opened until first use.
func NewPool(config *ConnectionConfig, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		return nil, errors.New("connection config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config:      config,
		logger:      logger.Named("pool"),
		connections: make(chan *pooledConn, config.MaxConnections),
	}, nil
}

// Get returns a healthy connection, reusing an idle one when possible.
func (p *Pool) Get(ctx context.Context) (*pooledConn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isHealthy(conn) {
			conn.lastUsed = time.Now()
			return conn, nil
		}
		p.discard(conn)
	default:
	}
	return p.create(ctx)
}

// Put returns a connection for reuse. Unhealthy or stale connections
// are closed instead.
func (p *Pool) Put(conn *pooledConn) {
	if conn == nil {
		return
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed || !p.isHealthy(conn) {
		p.discard(conn)
		return
	}
	select {
	case p.connections <- conn:
	default:
		p.discard(conn)
	}
}

// create dials with retry across the configured URLs, backing off
// exponentially between full passes.
func (p *Pool) create(ctx context.Context) (*pooledConn, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, url := range p.config.URLs {
			conn, err := p.dial(url)
			if err != nil {
				lastErr = err
				p.totalErrors.Add(1)
				p.logger.Debug("dial failed", zap.String("url", url), zap.Error(err))
				continue
			}
			p.totalCreated.Add(1)
			return conn, nil
		}
		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}
	return nil, fmt.Errorf("failed to connect after retries: %w", lastErr)
}

func (p *Pool) dial(url string) (*pooledConn, error) {
	var conn *ldap.Conn
	var err error

	if p.config.TLSConfig != nil && !p.config.StartTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(p.config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(url)
		if err == nil && p.config.StartTLS {
			err = conn.StartTLS(p.config.TLSConfig)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	conn.SetTimeout(p.config.Timeout)

	if p.config.BindDN != "" {
		if err := conn.Bind(p.config.BindDN, p.config.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind to %s as %s: %w", url, p.config.BindDN, err)
		}
	}
	return &pooledConn{conn: conn, lastUsed: time.Now(), healthy: true}, nil
}

func (p *Pool) isHealthy(conn *pooledConn) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}
	return time.Since(conn.lastUsed) < p.config.MaxIdleTime
}

func (p *Pool) discard(conn *pooledConn) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
	}
}

// PoolStats is a snapshot of the pool's lifetime dial counters.
type PoolStats struct {
	Created int64 // connections successfully established
	Errors  int64 // failed dial attempts
}

// Stats returns the pool's lifetime dial counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Created: p.totalCreated.Load(),
		Errors:  p.totalErrors.Load(),
	}
}

// Close shuts the pool down, closing every idle connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.connections)
	for conn := range p.connections {
		p.discard(conn)
	}
	stats := p.Stats()
	p.logger.Info("pool closed",
		zap.Int64("connections_created", stats.Created),
		zap.Int64("dial_errors", stats.Errors))
	return nil
}

// withConn runs fn with a pooled connection, returning it afterwards. A
// failed operation marks the connection unhealthy.
func (p *Pool) withConn(ctx context.Context, fn func(*ldap.Conn) error) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(conn.conn); err != nil {
		if isConnectionError(err) {
			conn.healthy = false
		}
		p.Put(conn)
		return err
	}
	p.Put(conn)
	return nil
}

func isConnectionError(err error) bool {
	return ldap.IsErrorAnyOf(err,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.ErrorNetwork,
	)
}
