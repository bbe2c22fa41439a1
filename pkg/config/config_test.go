package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadTiming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = cfg.ElectionTimeout
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for heartbeat >= half election timeout")
	}

	cfg = DefaultConfig()
	cfg.MaxSegmentSize = cfg.MaxEntrySize - 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for segment smaller than entry")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "copycat-config-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
node_id: 3
directory: /var/lib/copycat
name: orders
election_timeout: 1s
heartbeat_interval: 250ms
member_type: PASSIVE
members:
  - id: 1
    address: "10.0.0.1:10000"
    type: ACTIVE
  - id: 3
    address: "10.0.0.3:10000"
    type: PASSIVE
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NodeID != 3 || cfg.Name != "orders" || cfg.DataDir != "/var/lib/copycat" {
		t.Errorf("parsed config = %+v", cfg)
	}
	if cfg.ElectionTimeout != time.Second || cfg.HeartbeatInterval != 250*time.Millisecond {
		t.Errorf("timing = %v/%v", cfg.ElectionTimeout, cfg.HeartbeatInterval)
	}
	if cfg.MemberType != MemberPassive {
		t.Errorf("member type = %v", cfg.MemberType)
	}
	if len(cfg.Members) != 2 || cfg.Members[1].Address != "10.0.0.3:10000" {
		t.Errorf("members = %+v", cfg.Members)
	}
	// Defaults fill unset keys.
	if cfg.MaxEntrySize != 1024*1024 {
		t.Errorf("max entry size default = %d", cfg.MaxEntrySize)
	}
}
