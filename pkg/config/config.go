// Package config loads the node's YAML configuration file, mirroring the
// teacher's cmd/ghostnodes/main.go: loadConfig and common.Config shape,
// reworked from an onion/swarm node's settings into a Reticulum instance's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/n8sec/reticulum-go/pkg/announce"
	"github.com/n8sec/reticulum-go/pkg/cache"
)

// InterfaceConfig describes one physical interface the instance should
// bring up at startup.
type InterfaceConfig struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // "tcp-dial" or "tcp-listen"
	Address string `yaml:"address"`
	Mode    string `yaml:"mode"` // full, access_point, point_to_point, roaming, boundary, gateway
	Bitrate int     `yaml:"bitrate"`
	IFACKey string `yaml:"ifac_key"` // hex-encoded, empty disables IFAC

	MTLS struct {
		Enabled  bool   `yaml:"enabled"`
		CAFile   string `yaml:"ca_file"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"mtls"`
}

// StorageConfig selects and configures the packet cache's backing store.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "rocksdb"
	Path    string `yaml:"path"`
}

// CacheConfig mirrors cache.Options as YAML-tunable durations.
type CacheConfig struct {
	MaxPackets     int           `yaml:"max_packets"`
	MaxPacketAge   time.Duration `yaml:"max_packet_age"`
	MaxAnnounces   int           `yaml:"max_announces"`
	MaxAnnounceAge time.Duration `yaml:"max_announce_age"`
}

// AnnounceConfig mirrors announce.Config, the propagation constants of §4.4.
type AnnounceConfig struct {
	C           float64       `yaml:"c"`
	MaxHops     uint8         `yaml:"max_hops"`
	Retries     int           `yaml:"retries"`
	RetryT      time.Duration `yaml:"retry_t"`
	RetryJitter time.Duration `yaml:"retry_jitter"`
}

// LinkConfig tunes the Link Engine and resource transfer.
type LinkConfig struct {
	EstablishTimeout  time.Duration `yaml:"establish_timeout"`
	LowBitrateThresh  int           `yaml:"low_bitrate_threshold"`
	MaxWindowCap      int           `yaml:"max_window_cap"`
	DefaultMaxWindow  int           `yaml:"default_max_window"`
}

// RateLimitConfig tunes the HTTP control surface's per-IP limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	Burst             int  `yaml:"burst"`
}

// Config is the top-level shape of a node's config.yaml.
type Config struct {
	NodeID          string `yaml:"node_id"`
	IdentityFile    string `yaml:"identity_file"`
	IdentityPassphrase string `yaml:"identity_passphrase"`
	LogLevel        string `yaml:"log_level"`

	ListenAddress string `yaml:"listen_address"` // HTTP status/control surface
	IPCSocketPath string `yaml:"ipc_socket_path"`

	Interfaces []InterfaceConfig `yaml:"interfaces"`

	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Announce  AnnounceConfig  `yaml:"announce"`
	Link      LinkConfig      `yaml:"link"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns a Config with every tunable at its spec-stated default,
// suitable as a base before a YAML file overrides individual fields.
func Default() *Config {
	ac := announce.DefaultConfig()
	co := cache.DefaultOptions()
	return &Config{
		NodeID:        "",
		IdentityFile:  "identity.rns",
		LogLevel:      "info",
		ListenAddress: "127.0.0.1:7337",
		IPCSocketPath: "/tmp/rnsd.sock",
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "rnsd-storage",
		},
		Cache: CacheConfig{
			MaxPackets:     co.MaxPackets,
			MaxPacketAge:   co.MaxPacketAge,
			MaxAnnounces:   co.MaxAnnounces,
			MaxAnnounceAge: co.MaxAnnounceAge,
		},
		Announce: AnnounceConfig{
			C:           ac.C,
			MaxHops:     ac.MaxHops,
			Retries:     ac.Retries,
			RetryT:      ac.RetryT,
			RetryJitter: ac.RetryJitter,
		},
		Link: LinkConfig{
			EstablishTimeout: 15 * time.Second,
			LowBitrateThresh: 500,
			MaxWindowCap:     4,
			DefaultMaxWindow: 32,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default() so an
// omitted section keeps its spec default rather than zeroing out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// CacheOptions converts the YAML-tunable cache section into cache.Options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		MaxPackets:     c.Cache.MaxPackets,
		MaxPacketAge:   c.Cache.MaxPacketAge,
		MaxAnnounces:   c.Cache.MaxAnnounces,
		MaxAnnounceAge: c.Cache.MaxAnnounceAge,
	}
}

// AnnounceEngineConfig converts the YAML-tunable announce section into
// announce.Config.
func (c *Config) AnnounceEngineConfig() announce.Config {
	return announce.Config{
		C:           c.Announce.C,
		MaxHops:     c.Announce.MaxHops,
		Retries:     c.Announce.Retries,
		RetryT:      c.Announce.RetryT,
		RetryJitter: c.Announce.RetryJitter,
	}
}
