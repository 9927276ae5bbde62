package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenAddr() != "127.0.0.1:37800" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr())
	}
	if cfg.Stages.Archive.PromoteAfterAccess != 0 || cfg.Stages.Archive.PromoteAfterAge != 0 {
		t.Error("archive must be terminal by default")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.PartitionCapacity != Default().Cache.PartitionCapacity {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	body := `
server:
  port: 4100
stages:
  working:
    capacity: 8
    promote_after_access: 2
codec:
  redundancy_ratio: 0.5
maintain:
  interval: 30m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Stages.Working.Capacity != 8 || cfg.Stages.Working.PromoteAfterAccess != 2 {
		t.Errorf("working stage = %+v", cfg.Stages.Working)
	}
	if cfg.Codec.RedundancyRatio != 0.5 {
		t.Errorf("ratio = %v", cfg.Codec.RedundancyRatio)
	}
	if cfg.Maintain.Interval.Std() != 30*time.Minute {
		t.Errorf("interval = %v", cfg.Maintain.Interval)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("bind = %s", cfg.Server.Bind)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	if err := os.WriteFile(path, []byte("maintain:\n  interval: 90\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Maintain.Interval.Std() != 90*time.Second {
		t.Errorf("interval = %v", cfg.Maintain.Interval.Std())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad ratio":  "codec:\n  redundancy_ratio: 2.0\n",
		"bad policy": "cache:\n  eviction_policy: fifo\n",
		"bad cap":    "stages:\n  working:\n    capacity: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "engram.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMasterKeyEnvFallback(t *testing.T) {
	cfg := Default()
	t.Setenv("ENGRAM_MASTER_KEY", "from-env")
	if string(cfg.MasterKey()) != "from-env" {
		t.Errorf("MasterKey = %q", cfg.MasterKey())
	}

	cfg.Envelope.MasterKey = "from-file"
	if string(cfg.MasterKey()) != "from-file" {
		t.Error("config value must win over env")
	}
}
