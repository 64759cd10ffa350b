// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/dirrepl/internal/dn"
)

// Config is the root of the daemon configuration file.
type Config struct {
	Instance   Instance    `yaml:"instance"`
	Log        Log         `yaml:"log"`
	Metrics    Metrics     `yaml:"metrics"`
	Tasks      Tasks       `yaml:"tasks"`
	Backends   []Backend   `yaml:"backends"`
	Replicas   []Replica   `yaml:"replicas"`
	Agreements []Agreement `yaml:"agreements"`
}

// Instance names this directory instance.
type Instance struct {
	Name string `yaml:"name" default:"localhost"`
}

// Log configures structured logging.
type Log struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"json"` // json or console
}

// Metrics configures the telemetry endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Listen  string `yaml:"listen" default:":9389"`
}

// Tasks configures the task engine.
type Tasks struct {
	Workers int `yaml:"workers" default:"4"`
}

// Backend declares one backend instance and its suffix.
type Backend struct {
	Name   string `yaml:"name"`
	Suffix string `yaml:"suffix"`
}

// Replica enables replication for a suffix.
type Replica struct {
	Suffix    string `yaml:"suffix"`
	ReplicaID uint16 `yaml:"replica_id"`
	Role      string `yaml:"role" default:"supplier"` // supplier, hub or consumer
}

// Agreement declares an outbound agreement to a remote peer.
type Agreement struct {
	Name         string   `yaml:"name"`
	Suffix       string   `yaml:"suffix"`
	URLs         []string `yaml:"urls"`
	BindDN       string   `yaml:"bind_dn"`
	BindPassword string   `yaml:"bind_password"`
	StripAttrs   []string `yaml:"strip_attrs"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format %q is not json or console", c.Log.Format)
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive")
	}

	suffixes := make(map[string]bool)
	names := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend without a name")
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
		key, err := dn.Key(b.Suffix)
		if err != nil {
			return fmt.Errorf("backend %q: bad suffix %q: %v", b.Name, b.Suffix, err)
		}
		if suffixes[key] {
			return fmt.Errorf("suffix %q served by more than one backend", b.Suffix)
		}
		suffixes[key] = true
	}

	for _, r := range c.Replicas {
		key, err := dn.Key(r.Suffix)
		if err != nil {
			return fmt.Errorf("replica: bad suffix %q: %v", r.Suffix, err)
		}
		if !suffixes[key] {
			return fmt.Errorf("replica suffix %q has no backend", r.Suffix)
		}
		switch strings.ToLower(r.Role) {
		case "supplier", "hub":
			if r.ReplicaID == 0 {
				return fmt.Errorf("replica for %q: writable role needs a non-zero replica_id", r.Suffix)
			}
		case "consumer":
		default:
			return fmt.Errorf("replica for %q: role %q is not supplier, hub or consumer", r.Suffix, r.Role)
		}
	}

	agreementNames := make(map[string]bool)
	for _, a := range c.Agreements {
		if a.Name == "" {
			return fmt.Errorf("agreement without a name")
		}
		if agreementNames[a.Name] {
			return fmt.Errorf("duplicate agreement name %q", a.Name)
		}
		agreementNames[a.Name] = true
		if len(a.URLs) == 0 {
			return fmt.Errorf("agreement %q has no peer URLs", a.Name)
		}
		if !hasReplica(c.Replicas, a.Suffix) {
			return fmt.Errorf("agreement %q: suffix %q is not replicated", a.Name, a.Suffix)
		}
	}
	return nil
}

func hasReplica(replicas []Replica, suffix string) bool {
	key, err := dn.Key(suffix)
	if err != nil {
		return false
	}
	for _, r := range replicas {
		if k, err := dn.Key(r.Suffix); err == nil && k == key {
			return true
		}
	}
	return false
}
