package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engram configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Stages   StagesConfig   `yaml:"stages"`
	Cache    CacheConfig    `yaml:"cache"`
	Codec    CodecConfig    `yaml:"codec"`
	Envelope EnvelopeConfig `yaml:"envelope"`
	Maintain MaintainConfig `yaml:"maintain"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Duration parses YAML values in time.ParseDuration form ("30m", "24h").
// Bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements custom YAML unmarshaling for duration strings.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var secs int64
	if err := unmarshal(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// StageConfig sizes one stage and sets its promotion gate. A record
// becomes promotion-eligible when its access count reaches
// PromoteAfterAccess or its age reaches PromoteAfterAge; zero disables
// that criterion. A stage with both zero is terminal.
type StageConfig struct {
	Capacity           int      `yaml:"capacity"`
	PromoteAfterAccess int      `yaml:"promote_after_access"`
	PromoteAfterAge    Duration `yaml:"promote_after_age"`
	PromoteMinWeight   int      `yaml:"promote_min_weight"`
}

type StagesConfig struct {
	Working      StageConfig `yaml:"working"`
	Consolidated StageConfig `yaml:"consolidated"`
	Archive      StageConfig `yaml:"archive"`
}

type CacheConfig struct {
	PartitionCapacity int    `yaml:"partition_capacity"`
	EvictionPolicy    string `yaml:"eviction_policy"` // only "lru"
}

type CodecConfig struct {
	RedundancyRatio float64 `yaml:"redundancy_ratio"`
}

type EnvelopeConfig struct {
	// MasterKey seals sensitive payloads. Resolved from
	// ENGRAM_MASTER_KEY when empty.
	MasterKey string `yaml:"master_key"`
}

type MaintainConfig struct {
	Interval    Duration `yaml:"interval"`
	DecayRate   int      `yaml:"decay_rate"`   // weight lost per hour without access
	FloorWeight int      `yaml:"floor_weight"` // expire below this
	MaxAge      Duration `yaml:"max_age"`      // expire beyond this, zero disables
	HeavyWeight int      `yaml:"heavy_weight"` // expiring records at or above go to promotion
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37800,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Stages: StagesConfig{
			Working: StageConfig{
				Capacity:           256,
				PromoteAfterAccess: 3,
				PromoteAfterAge:    Duration(time.Hour),
			},
			Consolidated: StageConfig{
				Capacity:           4096,
				PromoteAfterAccess: 10,
				PromoteAfterAge:    Duration(24 * time.Hour),
				PromoteMinWeight:   500,
			},
			Archive: StageConfig{
				Capacity: 65536,
			},
		},
		Cache: CacheConfig{
			PartitionCapacity: 64,
			EvictionPolicy:    "lru",
		},
		Codec: CodecConfig{
			RedundancyRatio: 0.25,
		},
		Maintain: MaintainConfig{
			Interval:    Duration(time.Hour),
			DecayRate:   10,
			FloorWeight: 5,
			HeavyWeight: 500,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects option values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Codec.RedundancyRatio <= 0 || c.Codec.RedundancyRatio > 1 {
		return fmt.Errorf("redundancy_ratio %v out of range (0, 1]", c.Codec.RedundancyRatio)
	}
	if c.Cache.EvictionPolicy != "lru" {
		return fmt.Errorf("unsupported eviction_policy %q", c.Cache.EvictionPolicy)
	}
	for _, s := range []struct {
		name string
		cfg  StageConfig
	}{
		{"working", c.Stages.Working},
		{"consolidated", c.Stages.Consolidated},
		{"archive", c.Stages.Archive},
	} {
		if s.cfg.Capacity < 1 {
			return fmt.Errorf("stage %s: capacity must be positive", s.name)
		}
	}
	return nil
}

// MasterKey resolves the envelope master key, preferring the config
// value over the ENGRAM_MASTER_KEY environment variable.
func (c *Config) MasterKey() []byte {
	if c.Envelope.MasterKey != "" {
		return []byte(c.Envelope.MasterKey)
	}
	if v := os.Getenv("ENGRAM_MASTER_KEY"); v != "" {
		return []byte(v)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
