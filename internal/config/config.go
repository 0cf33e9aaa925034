// Package config loads the worlds/agents configuration for the runtime.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DefaultWorldID string       `yaml:"default_world_id"`
	Worlds         []WorldSpec  `yaml:"worlds"`
	Queue          QueueSpec    `yaml:"queue,omitempty"`
	Approval       ApprovalSpec `yaml:"approval,omitempty"`
}

type WorldSpec struct {
	ID               string      `yaml:"id"`
	Name             string      `yaml:"name"`
	WorkingDirectory string      `yaml:"working_directory,omitempty"`
	AutoMention      bool        `yaml:"auto_mention"`
	Agents           []AgentSpec `yaml:"agents"`
}

type AgentSpec struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

type QueueSpec struct {
	Depth       int `yaml:"depth,omitempty"`
	HeartbeatMS int `yaml:"heartbeat_ms,omitempty"`
}

type ApprovalSpec struct {
	TimeoutMS int `yaml:"timeout_ms,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	// An explicit file stands on its own; defaults only fill tuning knobs.
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultWorldID: "default",
		Worlds: []WorldSpec{
			{
				ID:          "default",
				Name:        "Default World",
				AutoMention: true,
				Agents: []AgentSpec{
					{ID: "a1", Name: "Assistant"},
				},
			},
		},
		Queue:    QueueSpec{Depth: 256, HeartbeatMS: 5000},
		Approval: ApprovalSpec{TimeoutMS: 300000},
	}
}

func (c *Config) Normalize() {
	if strings.TrimSpace(c.DefaultWorldID) == "" && len(c.Worlds) > 0 {
		c.DefaultWorldID = c.Worlds[0].ID
	}
	for wi := range c.Worlds {
		w := &c.Worlds[wi]
		w.ID = strings.TrimSpace(w.ID)
		if w.Name == "" {
			w.Name = w.ID
		}
		for ai := range w.Agents {
			a := &w.Agents[ai]
			a.ID = strings.TrimSpace(a.ID)
			if a.Name == "" {
				a.Name = a.ID
			}
		}
	}
	if c.Queue.Depth <= 0 {
		c.Queue.Depth = 256
	}
	if c.Queue.HeartbeatMS <= 0 {
		c.Queue.HeartbeatMS = 5000
	}
	if c.Approval.TimeoutMS <= 0 {
		c.Approval.TimeoutMS = 300000
	}
}

func (c *Config) Validate() error {
	if len(c.Worlds) == 0 {
		return fmt.Errorf("no worlds configured")
	}
	seenWorlds := map[string]bool{}
	foundDefault := false
	for _, w := range c.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world with empty id")
		}
		if seenWorlds[w.ID] {
			return fmt.Errorf("duplicate world id %s", w.ID)
		}
		seenWorlds[w.ID] = true
		if w.ID == c.DefaultWorldID {
			foundDefault = true
		}
		if len(w.Agents) == 0 {
			return fmt.Errorf("world %s has no agents", w.ID)
		}
		seenAgents := map[string]bool{}
		for _, a := range w.Agents {
			if a.ID == "" {
				return fmt.Errorf("world %s: agent with empty id", w.ID)
			}
			if seenAgents[a.ID] {
				return fmt.Errorf("world %s: duplicate agent id %s", w.ID, a.ID)
			}
			seenAgents[a.ID] = true
		}
	}
	if !foundDefault {
		return fmt.Errorf("default world %s not configured", c.DefaultWorldID)
	}
	return nil
}
