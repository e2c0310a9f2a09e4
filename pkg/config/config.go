// Package config loads MeshConfig, the single explicit configuration
// struct for meshd (Design Note: "dynamic runtime state -> explicit
// configuration").
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RegistryConfig controls the service registry (C3) timing.
type RegistryConfig struct {
	TTLSeconds             int `yaml:"ttl_seconds" env:"MESH_REGISTRY_TTL_SECONDS"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" env:"MESH_REGISTRY_CLEANUP_INTERVAL_SECONDS"`
	ExpiryGraceSeconds     int `yaml:"expiry_grace_seconds" env:"MESH_REGISTRY_EXPIRY_GRACE_SECONDS"`
	DeregisterGraceSeconds int `yaml:"deregister_grace_seconds" env:"MESH_REGISTRY_DEREGISTER_GRACE_SECONDS"`
	SubscriberBuffer       int `yaml:"subscriber_buffer" env:"MESH_REGISTRY_SUBSCRIBER_BUFFER"`
}

// HealthConfig controls the health check engine (C2).
type HealthConfig struct {
	IntervalMS  int `yaml:"interval_ms" env:"MESH_HEALTH_INTERVAL_MS"`
	Concurrency int `yaml:"concurrency" env:"MESH_HEALTH_CONCURRENCY"`
}

// DNSConfig controls the DNS resolver (C5).
type DNSConfig struct {
	Servers   []string `yaml:"servers" env:"MESH_DNS_SERVERS"`
	LocalTTLSeconds int `yaml:"local_ttl_seconds" env:"MESH_DNS_LOCAL_TTL_SECONDS"`
	DistTTLSeconds  int `yaml:"dist_ttl_seconds" env:"MESH_DNS_DIST_TTL_SECONDS"`
	Retries   int      `yaml:"retries" env:"MESH_DNS_RETRIES"`
}

// ResolveConfig controls the resolution engine (C6).
type ResolveConfig struct {
	MinHealth       float64 `yaml:"min_health" env:"MESH_RESOLVE_MIN_HEALTH"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" env:"MESH_RESOLVE_CACHE_TTL_SECONDS"`
}

// BreakerConfig controls the circuit breaker (C8).
type BreakerConfig struct {
	FailureThreshold    int     `yaml:"failure_threshold" env:"MESH_BREAKER_FAILURE_THRESHOLD"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" env:"MESH_BREAKER_ERROR_RATE_THRESHOLD"`
	WindowSize          int     `yaml:"window_size" env:"MESH_BREAKER_WINDOW_SIZE"`
	BaseCooldownSeconds int     `yaml:"base_cooldown_seconds" env:"MESH_BREAKER_BASE_COOLDOWN_SECONDS"`
	MaxCooldownSeconds  int     `yaml:"max_cooldown_seconds" env:"MESH_BREAKER_MAX_COOLDOWN_SECONDS"`
	HalfOpenProbes      int     `yaml:"half_open_probes" env:"MESH_BREAKER_HALF_OPEN_PROBES"`
}

// PeerSyncConfig controls peer sync (C9).
type PeerSyncConfig struct {
	Peers                 []string `yaml:"peers" env:"MESH_PEERS"`
	SyncIntervalSeconds   int      `yaml:"sync_interval_seconds" env:"MESH_PEER_SYNC_INTERVAL_SECONDS"`
	MaxRetries            int      `yaml:"max_retries" env:"MESH_PEER_SYNC_MAX_RETRIES"`
	FailureLimit          int      `yaml:"failure_limit" env:"MESH_PEER_SYNC_FAILURE_LIMIT"`
	QuarantineSeconds     int      `yaml:"quarantine_seconds" env:"MESH_PEER_SYNC_QUARANTINE_SECONDS"`
	CompressionThreshold  int      `yaml:"compression_threshold" env:"MESH_PEER_SYNC_COMPRESSION_THRESHOLD"`
	Concurrency           int64    `yaml:"concurrency" env:"MESH_PEER_SYNC_CONCURRENCY"`
	MandatoryBootGraceSeconds int  `yaml:"mandatory_boot_grace_seconds" env:"MESH_PEER_SYNC_BOOT_GRACE_SECONDS"`
}

// APIConfig controls the Control API (HTTP/WS) surface.
type APIConfig struct {
	ControlAddr        string `yaml:"control_addr" env:"MESH_CONTROL_ADDR"`
	StateSigningKey    string `yaml:"state_signing_key" env:"MESH_STATE_SIGNING_KEY"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" env:"MESH_API_RATE_LIMIT_PER_SECOND"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes" env:"MESH_API_MAX_BODY_BYTES"`
}

// MeshConfig is the single explicit configuration object for meshd.
// Every runtime knob named across spec.md §6 and its expansion lives
// here; nothing is read ad hoc from the environment elsewhere.
type MeshConfig struct {
	BindAddr           string `yaml:"bind_addr" env:"MESH_BIND_ADDR"`
	Datacenter         string `yaml:"datacenter" env:"MESH_DATACENTER"`
	StateDir           string `yaml:"state_dir" env:"MESH_STATE_DIR"`
	LogLevel           string `yaml:"log_level" env:"MESH_LOG_LEVEL"`
	RedisURL           string `yaml:"redis_url" env:"MESH_REDIS_URL"`
	ShutdownTimeoutMS  int    `yaml:"shutdown_timeout_ms" env:"MESH_SHUTDOWN_TIMEOUT_MS"`

	Registry RegistryConfig `yaml:"registry"`
	Health   HealthConfig   `yaml:"health"`
	DNS      DNSConfig      `yaml:"dns"`
	Resolve  ResolveConfig  `yaml:"resolve"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	PeerSync PeerSyncConfig `yaml:"peer_sync"`
	API      APIConfig      `yaml:"api"`
}

// New returns a MeshConfig populated with the defaults named in spec.md
// §4's per-component defaults.
func New() *MeshConfig {
	return &MeshConfig{
		BindAddr:          "0.0.0.0:7946",
		Datacenter:        "default",
		StateDir:          "/var/lib/meshd",
		LogLevel:          "info",
		ShutdownTimeoutMS: 30_000,
		Registry: RegistryConfig{
			TTLSeconds:             90,
			CleanupIntervalSeconds: 30,
			ExpiryGraceSeconds:     300,
			DeregisterGraceSeconds: 5,
			SubscriberBuffer:       1000,
		},
		Health: HealthConfig{
			IntervalMS:  5000,
			Concurrency: 64,
		},
		DNS: DNSConfig{
			LocalTTLSeconds: 5,
			DistTTLSeconds:  60,
			Retries:         3,
		},
		Resolve: ResolveConfig{
			MinHealth:       0.5,
			CacheTTLSeconds: 2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ErrorRateThreshold:  0.5,
			WindowSize:          10,
			BaseCooldownSeconds: 60,
			MaxCooldownSeconds:  3600,
			HalfOpenProbes:      1,
		},
		PeerSync: PeerSyncConfig{
			SyncIntervalSeconds:       15,
			MaxRetries:                3,
			FailureLimit:              5,
			QuarantineSeconds:         300,
			CompressionThreshold:      4096,
			Concurrency:               8,
			MandatoryBootGraceSeconds: 30,
		},
		API: APIConfig{
			ControlAddr:        "0.0.0.0:8500",
			RateLimitPerSecond: 100,
			MaxBodyBytes:       1 << 20,
		},
	}
}

// Load reads MeshConfig from (in priority order) an optional YAML file
// named by CONFIG_FILE, then environment variables (which win). Unknown
// YAML keys are rejected, per Design Note 1 ("unknown keys are rejected
// at load time").
func Load() (*MeshConfig, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/meshd.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *MeshConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects a MeshConfig whose values would break an invariant
// elsewhere (bind addresses, non-positive durations, an empty peer
// sync signing key alongside a non-empty peer list).
func (c *MeshConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind_addr is required")
	}
	if c.Registry.TTLSeconds <= 0 {
		return fmt.Errorf("registry.ttl_seconds must be positive")
	}
	if c.Health.Concurrency <= 0 {
		return fmt.Errorf("health.concurrency must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if len(c.PeerSync.Peers) > 0 && c.API.StateSigningKey == "" {
		return fmt.Errorf("api.state_signing_key is required when peers are configured")
	}
	return nil
}

// ShutdownTimeout returns ShutdownTimeoutMS as a Duration.
func (c *MeshConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
