// Package config provides configuration for a Copycat node.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// MemberType determines whether a node participates in elections and
// quorums (ACTIVE) or only learns committed state via gossip (PASSIVE).
type MemberType string

const (
	MemberActive  MemberType = "ACTIVE"
	MemberPassive MemberType = "PASSIVE"
)

// Member is a seed cluster member.
type Member struct {
	ID      uint32     `mapstructure:"id" json:"id"`
	Address string     `mapstructure:"address" json:"address"`
	Type    MemberType `mapstructure:"type" json:"type"`
}

// Config holds all configuration for a Copycat node.
type Config struct {
	// Node identification
	NodeID  uint32 `mapstructure:"node_id"`
	DataDir string `mapstructure:"directory"`

	// Log settings
	Name                 string `mapstructure:"name"`
	MaxEntrySize         uint32 `mapstructure:"max_entry_size"`
	MaxSegmentSize       uint32 `mapstructure:"max_segment_size"`
	MaxEntriesPerSegment int    `mapstructure:"max_entries_per_segment"`

	// Protocol timing
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Cluster settings
	Members    []Member   `mapstructure:"members"`
	MemberType MemberType `mapstructure:"member_type"`

	// Network addresses
	BindAddr string `mapstructure:"bind_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:              "./data",
		Name:                 "copycat",
		MaxEntrySize:         1024 * 1024,      // 1MB
		MaxSegmentSize:       32 * 1024 * 1024, // 32MB
		MaxEntriesPerSegment: 1024 * 1024,
		ElectionTimeout:      500 * time.Millisecond,
		HeartbeatInterval:    150 * time.Millisecond,
		MemberType:           MemberActive,
		BindAddr:             ":10000",
		HTTPAddr:             ":8080",
	}
}

// LoadConfig loads configuration from a file, applying defaults for
// unset keys and allowing environment overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("log name must not be empty")
	}
	if c.MaxEntrySize == 0 {
		return fmt.Errorf("max_entry_size must be positive")
	}
	if c.MaxSegmentSize < c.MaxEntrySize {
		return fmt.Errorf("max_segment_size %d smaller than max_entry_size %d", c.MaxSegmentSize, c.MaxEntrySize)
	}
	if c.HeartbeatInterval >= c.ElectionTimeout/2 {
		return fmt.Errorf("heartbeat_interval %v must be below half the election timeout %v", c.HeartbeatInterval, c.ElectionTimeout)
	}
	if c.MemberType != MemberActive && c.MemberType != MemberPassive {
		return fmt.Errorf("unknown member_type %q", c.MemberType)
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	return nil
}
