package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/csn"
)

func TestNewConnectionConfigDefaults(t *testing.T) {
	cfg, err := NewConnectionConfig([]string{"ldap://peer:389"}, "cn=replication manager,cn=config", "secret")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConnections)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.Positive(t, cfg.Timeout)
}

func TestConnectionConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionConfig)
		wantErr string
	}{
		{
			name:    "no URLs",
			mutate:  func(c *ConnectionConfig) { c.URLs = nil },
			wantErr: "at least one LDAP URL",
		},
		{
			name:    "pool too large",
			mutate:  func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 },
			wantErr: "MaxConnections too high",
		},
		{
			name:    "negative retries",
			mutate:  func(c *ConnectionConfig) { c.MaxRetries = -1 },
			wantErr: "MaxRetries cannot be negative",
		},
		{
			name:    "backoff factor too small",
			mutate:  func(c *ConnectionConfig) { c.BackoffFactor = 1.0 },
			wantErr: "BackoffFactor must be greater than 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConnectionConfig([]string{"ldap://peer:389"}, "", "")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPoolCountsDialFailures(t *testing.T) {
	// Port 1 refuses the connection; the pool must report the attempt
	// in its lifetime counters.
	cfg, err := NewConnectionConfig([]string{"ldap://127.0.0.1:1"}, "", "")
	require.NoError(t, err)
	cfg.MaxRetries = 0

	p, err := NewPool(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.Get(context.Background())
	require.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Created)
	assert.Positive(t, stats.Errors)
}

func TestParseRUVElement(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantRID uint16
		wantCSN string
		ok      bool
	}{
		{
			name:    "min and max CSN",
			value:   "{replica 4 ldap://supplier4:389} 5e3acb4f000100040000 5e3acb5f000200040000",
			wantRID: 4,
			wantCSN: "5e3acb5f000200040000",
			ok:      true,
		},
		{
			name:    "single CSN",
			value:   "{replica 101 ldap://supplier1:389} 5e3acb4f000101650000",
			wantRID: 101,
			wantCSN: "5e3acb4f000101650000",
			ok:      true,
		},
		{
			name:  "never-written replica",
			value: "{replica 7 ldap://idle:389}",
			ok:    false,
		},
		{
			name:  "replica generation element",
			value: "{replicageneration} 5e3acb4f000000010000",
			ok:    false,
		},
		{
			name:  "garbage",
			value: "not a ruv element",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rid, maxCSN, ok := parseRUVElement(tt.value)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.wantRID, rid)
			want, err := csn.Parse(tt.wantCSN)
			require.NoError(t, err)
			assert.Equal(t, want, maxCSN)
		})
	}
}
