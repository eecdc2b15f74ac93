// Package config holds the mesh core's runtime policy knobs and the
// ambient logging facility every other package is handed at
// construction time.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects the policy decisions a Node's collaborators are
// built with. Every field has a sane default via Default(); loading a
// YAML file only overrides what it sets.
type Config struct {
	DisplayName string `yaml:"display_name"`

	// MTU is the assumed link payload ceiling used when the link layer
	// does not report a per-peer value.
	MTU int `yaml:"mtu"`

	// DefaultTTL and MaxTTL bound envelope hop budgets.
	DefaultTTL uint8 `yaml:"default_ttl"`
	MaxTTL     uint8 `yaml:"max_ttl"`

	// RequireSignature rejects locally-delivered data envelopes whose
	// origin's signing key is unknown, instead of accepting them
	// unverified. On by default; turning it off is a compatibility
	// escape hatch for deployments still rolling out key exchange.
	RequireSignature bool `yaml:"require_signature"`

	// RequireEncryption rejects plaintext directed envelopes outright
	// (broadcasts are never encrypted regardless of this setting).
	RequireEncryption bool `yaml:"require_encryption"`

	// MaxRetries and retry backoff bounds for the delivery tracker.
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// OfflineQueueCapacity bounds the per-destination spool depth.
	OfflineQueueCapacity int `yaml:"offline_queue_capacity"`

	// IngressRatePerSecond and IngressBurst bound the relay ingress
	// token bucket applied per peer.
	IngressRatePerSecond float64 `yaml:"ingress_rate_per_second"`
	IngressBurst         int     `yaml:"ingress_burst"`
}

// Default returns the policy defaults every Node is built with absent
// an explicit file.
func Default() *Config {
	return &Config{
		MTU:                  182,
		DefaultTTL:           3,
		MaxTTL:               8,
		RequireSignature:     true,
		RequireEncryption:    false,
		MaxRetries:           5,
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           32 * time.Second,
		OfflineQueueCapacity: 100,
		IngressRatePerSecond: 20,
		IngressBurst:         40,
	}
}

// Load reads a YAML config file at path, overlaying its fields onto
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
