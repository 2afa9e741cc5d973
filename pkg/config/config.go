// Package config loads node configuration from the environment and from an
// optional YAML file. Environment variables win over the file; both win over
// defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/credmesh/credmesh/pkg/fault"
)

// ClockMode selects where the node's clock comes from.
type ClockMode string

const (
	ClockSystem ClockMode = "system"
	ClockFixed  ClockMode = "fixed"
)

// Config holds one node's configuration.
type Config struct {
	TenantID      string   `yaml:"tenant_id"`
	NodeID        string   `yaml:"node_id"`
	NodeRole      string   `yaml:"node_role"`
	Region        string   `yaml:"region"`
	Group         string   `yaml:"correlation_group"`
	StorageRoot   string   `yaml:"storage_root"`
	CryptoBackend string   `yaml:"crypto_backend"`
	PeerURLs      []string `yaml:"peer_urls"`

	MaxRetries           int           `yaml:"max_retries"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	SuspectAfterFailures int           `yaml:"suspect_after_failures"`
	OfflineAfterFailures int           `yaml:"offline_after_failures"`
	RecoverySuccesses    int           `yaml:"recovery_successes"`

	ScoringPolicyHash string    `yaml:"scoring_policy_hash"`
	PolicyPackPath    string    `yaml:"policy_pack"`
	ClockMode         ClockMode `yaml:"clock_mode"`
	FixedClock        time.Time `yaml:"fixed_clock"`

	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	RedisAddr   string `yaml:"redis_addr"`
	PostgresURL string `yaml:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	OTelEnabled bool   `yaml:"otel_enabled"`
	APIRateRPS  int    `yaml:"api_rate_rps"`
	JWTKey      string `yaml:"jwt_key"`
}

// Default returns the boot defaults.
func Default() *Config {
	return &Config{
		TenantID:             "default",
		NodeID:               "node-1",
		NodeRole:             "edge",
		Region:               "local",
		StorageRoot:          "./data",
		CryptoBackend:        "ed25519_a",
		MaxRetries:           3,
		BackoffBase:          200 * time.Millisecond,
		SuspectAfterFailures: 3,
		OfflineAfterFailures: 6,
		RecoverySuccesses:    2,
		ClockMode:            ClockSystem,
		Port:                 "8080",
		LogLevel:             "INFO",
		APIRateRPS:           50,
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindFilesystem, err, "read config file")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fault.Wrap(fault.KindInputInvalid, err, "parse config file")
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.TenantID, "MESH_TENANT_ID")
	setString(&c.NodeID, "MESH_NODE_ID")
	setString(&c.NodeRole, "MESH_NODE_ROLE")
	setString(&c.Region, "MESH_REGION")
	setString(&c.Group, "MESH_CORRELATION_GROUP")
	setString(&c.StorageRoot, "MESH_STORAGE_ROOT")
	setString(&c.CryptoBackend, "MESH_CRYPTO_BACKEND")
	setString(&c.ScoringPolicyHash, "MESH_SCORING_POLICY_HASH")
	setString(&c.PolicyPackPath, "MESH_POLICY_PACK")
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("MESH_PEER_URLS"); v != "" {
		c.PeerURLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.PeerURLs = append(c.PeerURLs, u)
			}
		}
	}

	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.PostgresURL, "POSTGRES_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.JWTKey, "JWT_KEYS")
	setInt(&c.APIRateRPS, "API_RATE_RPS")
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.OTelEnabled = b
		}
	}

	setInt(&c.MaxRetries, "MESH_MAX_RETRIES")
	setInt(&c.SuspectAfterFailures, "MESH_SUSPECT_AFTER_FAILURES")
	setInt(&c.OfflineAfterFailures, "MESH_OFFLINE_AFTER_FAILURES")
	setInt(&c.RecoverySuccesses, "MESH_RECOVERY_SUCCESSES")

	if v := os.Getenv("MESH_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackoffBase = d
		}
	}
	if v := os.Getenv("MESH_CLOCK_MODE"); v != "" {
		c.ClockMode = ClockMode(v)
	}
	if v := os.Getenv("MESH_FIXED_CLOCK"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			c.FixedClock = t
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.TenantID == "" || c.NodeID == "" {
		return fault.Field("node_id", "tenant_id and node_id are required")
	}
	switch c.ClockMode {
	case ClockSystem:
	case ClockFixed:
		if c.FixedClock.IsZero() {
			return fault.Field("fixed_clock", "fixed clock mode requires fixed_clock")
		}
	default:
		return fault.Field("clock_mode", "clock_mode must be system or fixed")
	}
	if c.OfflineAfterFailures <= c.SuspectAfterFailures {
		return fault.Field("offline_after_failures", "must exceed suspect_after_failures")
	}
	return nil
}

// Clock returns the node's clock per clock_mode.
func (c *Config) Clock() func() time.Time {
	if c.ClockMode == ClockFixed {
		fixed := c.FixedClock
		return func() time.Time { return fixed }
	}
	return time.Now
}
