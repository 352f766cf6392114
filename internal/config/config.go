// Package config loads the proxy's YAML configuration file, applying
// ${VAR} environment-variable interpolation to the raw bytes before
// unmarshaling. A local .env file is loaded first via godotenv so
// interpolation can reference variables it defines.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document: server, buckets, jwt, cache,
// observability, and audit_log sections.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Buckets       []BucketConfig      `yaml:"buckets"`
	JWT           JWTConfig           `yaml:"jwt"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
	AuditLog      AuditLogConfig      `yaml:"audit_log"`
}

// ServerConfig configures the listener and global admission controls.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Env             string        `yaml:"env"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	MaxURILength   int   `yaml:"max_uri_length"`
	MaxHeaderBytes int64 `yaml:"max_header_bytes"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`

	RateLimitGlobalCapacity     float64 `yaml:"rate_limit_global_capacity"`
	RateLimitGlobalRefillPerSec float64 `yaml:"rate_limit_global_refill_per_sec"`
	RateLimitBucketCapacity     float64 `yaml:"rate_limit_bucket_capacity"`
	RateLimitBucketRefillPerSec float64 `yaml:"rate_limit_bucket_refill_per_sec"`
	RateLimitIPCapacity         float64 `yaml:"rate_limit_ip_capacity"`
	RateLimitIPRefillPerSec     float64 `yaml:"rate_limit_ip_refill_per_sec"`
	RateLimitMaxIPEntries       int     `yaml:"rate_limit_max_ip_entries"`

	FDLimit             uint64        `yaml:"fd_limit"`
	MemoryLimitBytes    uint64        `yaml:"memory_limit_bytes"`
	ResourceSampleEvery time.Duration `yaml:"resource_sample_every"`
}

// Replica is one backend endpoint in a bucket's failover set.
type Replica struct {
	Name            string        `yaml:"name"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKey       string        `yaml:"access_key"`
	SecretKey       string        `yaml:"secret_key"`
	Priority        uint8         `yaml:"priority"`
	Timeout         time.Duration `yaml:"timeout"`
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	SuccessThreshold    uint32        `yaml:"success_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxInFlight uint32        `yaml:"half_open_max_concurrent"`
}

// S3Config is a bucket's backend configuration: either a single
// replica's fields inline, or an explicit Replicas list for multi-way
// failover.
type S3Config struct {
	Region    string    `yaml:"region"`
	Endpoint  string    `yaml:"endpoint"`
	AccessKey string    `yaml:"access_key"`
	SecretKey string    `yaml:"secret_key"`
	Retry     RetryConfig `yaml:"retry"`
	Replicas  []Replica `yaml:"replicas"`
}

// RetryConfig is the bucket-configurable retry policy. Defaults of
// 3 attempts / 100ms initial / 1000ms max apply when a field is left
// zero.
type RetryConfig struct {
	MaxAttempts    uint32        `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff_ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff_ms"`
}

// AuthConfig names the authentication requirement for a bucket.
type AuthConfig struct {
	Required bool `yaml:"required"`
}

// BucketCacheConfig overrides the tiered cache's default TTL for one
// bucket.
type BucketCacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// AuthorizationConfig lists admin-claim rules; an empty set means no
// admin restriction.
type AuthorizationConfig struct {
	AdminClaims map[string]string `yaml:"admin_claims"`
}

// IPFilterConfig is the bucket-level allow/blocklist.
type IPFilterConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Blocklist []string `yaml:"blocklist"`
}

// BucketConfig maps one URI path prefix to a backend. Routing is by
// longest-prefix match on PathPrefix, ties going to first-declared.
type BucketConfig struct {
	Name          string               `yaml:"name"`
	PathPrefix    string               `yaml:"path_prefix"`
	S3            S3Config             `yaml:"s3"`
	Auth          AuthConfig           `yaml:"auth"`
	Cache         BucketCacheConfig    `yaml:"cache"`
	Authorization AuthorizationConfig  `yaml:"authorization"`
	IPFilter      IPFilterConfig       `yaml:"ip_filter"`
}

// JWTConfig configures bearer-token verification.
type JWTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Secret    string `yaml:"secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// CacheConfig configures the tiered cache's layers.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`

	MemoryShardCount   int   `yaml:"memory_shard_count"`
	MemoryMaxBytes     int64 `yaml:"memory_max_bytes"`
	MemoryMaxItemBytes int64 `yaml:"memory_max_item_bytes"`

	DiskEnabled  bool   `yaml:"disk_enabled"`
	DiskDir      string `yaml:"disk_dir"`
	DiskMaxBytes int64  `yaml:"disk_max_bytes"`

	RemoteEnabled   bool   `yaml:"remote_enabled"`
	RemoteURL       string `yaml:"remote_url"`
	RemoteKeyPrefix string `yaml:"remote_key_prefix"`
}

// ObservabilityConfig toggles metrics/logging verbosity.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	LogLevel       string `yaml:"log_level"`
}

// AuditLogConfig covers audit log shipping, which is handled by an
// external pipeline; only enough shape to wire the feature flag
// through config is kept here.
type AuditLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} occurrences in raw with the matching
// environment variable's value, leaving the placeholder untouched if
// the variable is unset.
func interpolateEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads and parses the YAML file at path, loading a local .env
// file first (if present) so its variables are available for ${VAR}
// interpolation.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	raw = interpolateEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "production"
	}
	if cfg.Server.GracefulTimeout == 0 {
		cfg.Server.GracefulTimeout = 15 * time.Second
	}
	if cfg.Server.MaxURILength == 0 {
		cfg.Server.MaxURILength = 8192
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 64 * 1024
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 * 1024 * 1024
	}
	if cfg.Server.RateLimitMaxIPEntries == 0 {
		cfg.Server.RateLimitMaxIPEntries = 10_000
	}
	if cfg.Server.ResourceSampleEvery == 0 {
		cfg.Server.ResourceSampleEvery = 5 * time.Second
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 5 * time.Minute
	}
	if cfg.Cache.MemoryShardCount == 0 {
		cfg.Cache.MemoryShardCount = 64
	}
	if cfg.Cache.MemoryMaxBytes == 0 {
		cfg.Cache.MemoryMaxBytes = 256 * 1024 * 1024
	}

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		if b.Cache.DefaultTTL == 0 {
			b.Cache.DefaultTTL = cfg.Cache.DefaultTTL
		}
		replicas := b.S3.Replicas
		if len(replicas) == 0 && b.S3.Endpoint != "" {
			replicas = []Replica{{
				Name:      b.Name,
				Region:    b.S3.Region,
				Endpoint:  b.S3.Endpoint,
				AccessKey: b.S3.AccessKey,
				SecretKey: b.S3.SecretKey,
				Priority:  1,
			}}
		}
		for j := range replicas {
			r := &replicas[j]
			if r.Timeout == 0 {
				r.Timeout = 10 * time.Second
			}
			if r.FailureThreshold == 0 {
				r.FailureThreshold = 5
			}
			if r.SuccessThreshold == 0 {
				r.SuccessThreshold = 2
			}
			if r.ResetTimeout == 0 {
				r.ResetTimeout = 30 * time.Second
			}
			if r.HalfOpenMaxInFlight == 0 {
				r.HalfOpenMaxInFlight = 1
			}
		}
		b.S3.Replicas = replicas
		if b.S3.Retry.MaxAttempts == 0 {
			b.S3.Retry.MaxAttempts = 3
		}
		if b.S3.Retry.InitialBackoff == 0 {
			b.S3.Retry.InitialBackoff = 100 * time.Millisecond
		}
		if b.S3.Retry.MaxBackoff == 0 {
			b.S3.Retry.MaxBackoff = 1000 * time.Millisecond
		}
	}
}

// validate checks cross-field invariants a malformed YAML document
// could otherwise violate silently; a configuration error here exits
// the process non-zero with a descriptive message.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		if b.Name == "" {
			return fmt.Errorf("bucket entry missing name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate bucket name %q", b.Name)
		}
		seen[b.Name] = true
		if b.PathPrefix == "" {
			return fmt.Errorf("bucket %q missing path_prefix", b.Name)
		}
		if len(b.S3.Replicas) == 0 {
			return fmt.Errorf("bucket %q has no replicas configured", b.Name)
		}
	}
	return nil
}
