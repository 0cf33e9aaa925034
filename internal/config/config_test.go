package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worlds.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultWorldID != "default" || len(cfg.Worlds) != 1 {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.Queue.Depth != 256 || cfg.Queue.HeartbeatMS != 5000 || cfg.Approval.TimeoutMS != 300000 {
		t.Fatalf("default tuning %+v %+v", cfg.Queue, cfg.Approval)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
default_world_id: dev
worlds:
  - id: dev
    name: Dev World
    working_directory: /tmp/dev
    auto_mention: true
    agents:
      - id: a1
        name: Alice
        model: small
      - id: a2
queue:
  depth: 16
  heartbeat_ms: 1000
approval:
  timeout_ms: 60000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultWorldID != "dev" || len(cfg.Worlds) != 1 {
		t.Fatalf("cfg %+v", cfg)
	}
	w := cfg.Worlds[0]
	if w.Name != "Dev World" || w.WorkingDirectory != "/tmp/dev" || !w.AutoMention {
		t.Fatalf("world %+v", w)
	}
	if len(w.Agents) != 2 {
		t.Fatalf("agents %+v", w.Agents)
	}
	// A missing agent name falls back to the id.
	if w.Agents[1].Name != "a2" {
		t.Fatalf("agent name %q want a2", w.Agents[1].Name)
	}
	if cfg.Queue.Depth != 16 || cfg.Queue.HeartbeatMS != 1000 || cfg.Approval.TimeoutMS != 60000 {
		t.Fatalf("tuning %+v %+v", cfg.Queue, cfg.Approval)
	}
}

func TestNormalizeFillsDefaultWorld(t *testing.T) {
	path := writeConfig(t, `
worlds:
  - id: only
    agents:
      - id: a1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultWorldID != "only" {
		t.Fatalf("default world %q want only", cfg.DefaultWorldID)
	}
	if cfg.Worlds[0].Name != "only" {
		t.Fatalf("world name %q want only", cfg.Worlds[0].Name)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate world", `
worlds:
  - id: w1
    agents: [{id: a1}]
  - id: w1
    agents: [{id: a1}]
`},
		{"no agents", `
worlds:
  - id: w1
    agents: []
`},
		{"duplicate agent", `
worlds:
  - id: w1
    agents: [{id: a1}, {id: a1}]
`},
		{"missing default", `
default_world_id: nope
worlds:
  - id: w1
    agents: [{id: a1}]
`},
	}
	for _, c := range cases {
		if _, err := Load(writeConfig(t, c.body)); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
