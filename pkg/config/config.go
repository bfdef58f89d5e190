// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the broker daemon configuration from a YAML file with
// MEGAPHONE_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file and environment are read.
const (
	DefaultAddress            = "0.0.0.0:3000"
	DefaultGRPCAddress        = "0.0.0.0:3001"
	DefaultMngSocketPath      = "/run/megaphone.sock"
	DefaultAgentWarmupSecs    = 60
	DefaultPollDurationMillis = 20000
)

// Agent modes accepted in the virtual agent map.
const (
	AgentModeMaster  = "MASTER"
	AgentModeReplica = "REPLICA"
)

// HookOnChannelDeleted is the only webhook kind currently emitted.
const HookOnChannelDeleted = "on-channel-deleted"

// Config is the full broker daemon configuration.
type Config struct {
	// Address the public HTTP API binds to.
	Address string `yaml:"address"`
	// GRPCAddress the sync pipe listener binds to.
	GRPCAddress string `yaml:"grpc_address"`
	// MngSocketPath is the unix socket path of the management API.
	MngSocketPath string `yaml:"mng_socket_path"`
	// AgentWarmupSecs is how long a fresh virtual agent refuses new
	// channels.
	AgentWarmupSecs int `yaml:"agent_warmup_secs"`
	// PollDurationMillis is the long-poll window of a single read request.
	PollDurationMillis int `yaml:"poll_duration_millis"`

	Agent    AgentConfig              `yaml:"agent"`
	Webhooks map[string]WebhookConfig `yaml:"webhooks"`
}

// AgentConfig declares the virtual agents spawned at startup.
type AgentConfig struct {
	Virtual VirtualAgents `yaml:"virtual"`
}

// VirtualAgents maps agent names to their startup mode. In YAML it is either
// a mapping or a single bare name, which implies one MASTER agent:
//
//	agent:
//	  virtual: room0
//
//	agent:
//	  virtual:
//	    room0: MASTER
//	    room1: MASTER
type VirtualAgents map[string]string

// UnmarshalYAML accepts both the scalar and the mapping form.
func (v *VirtualAgents) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*v = VirtualAgents{value.Value: AgentModeMaster}
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	*v = m
	return nil
}

// WebhookConfig declares one endpoint notified of channel lifecycle events.
type WebhookConfig struct {
	Hook     string `yaml:"hook"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Address:            DefaultAddress,
		GRPCAddress:        DefaultGRPCAddress,
		MngSocketPath:      DefaultMngSocketPath,
		AgentWarmupSecs:    DefaultAgentWarmupSecs,
		PollDurationMillis: DefaultPollDurationMillis,
	}
}

// Load reads the configuration file at path, if any, and applies environment
// overrides. An empty path skips the file and uses defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.applyAgentEnv(os.Environ())
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("MEGAPHONE_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := getenv("MEGAPHONE_GRPC_ADDRESS"); v != "" {
		c.GRPCAddress = v
	}
	if v := getenv("MEGAPHONE_MNG_SOCKET_PATH"); v != "" {
		c.MngSocketPath = v
	}
	if v := getenv("MEGAPHONE_AGENT_WARMUP_SECS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEGAPHONE_AGENT_WARMUP_SECS: %w", err)
		}
		c.AgentWarmupSecs = n
	}
	if v := getenv("MEGAPHONE_POLL_DURATION_MILLIS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEGAPHONE_POLL_DURATION_MILLIS: %w", err)
		}
		c.PollDurationMillis = n
	}
	return nil
}

// applyAgentEnv picks up virtual agents injected through the environment.
// The cluster controller declares one variable per agent on generated pods,
// megaphone_agent.virtual.{name}={mode}.
func (c *Config) applyAgentEnv(environ []string) {
	const prefix = "megaphone_agent.virtual."
	for _, kv := range environ {
		name, mode, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		if c.Agent.Virtual == nil {
			c.Agent.Virtual = VirtualAgents{}
		}
		c.Agent.Virtual[strings.TrimPrefix(name, prefix)] = mode
	}
}

func (c *Config) validate() error {
	if c.PollDurationMillis <= 0 {
		return fmt.Errorf("poll_duration_millis must be positive, got %d", c.PollDurationMillis)
	}
	if c.AgentWarmupSecs < 0 {
		return fmt.Errorf("agent_warmup_secs must not be negative, got %d", c.AgentWarmupSecs)
	}
	for name, mode := range c.Agent.Virtual {
		if mode != AgentModeMaster && mode != AgentModeReplica {
			return fmt.Errorf("virtual agent %q: unsupported mode %q", name, mode)
		}
	}
	for name, wh := range c.Webhooks {
		if wh.Endpoint == "" {
			return fmt.Errorf("webhook %q: endpoint must not be empty", name)
		}
		if wh.Hook != HookOnChannelDeleted {
			return fmt.Errorf("webhook %q: unsupported hook %q", name, wh.Hook)
		}
	}
	return nil
}

// PollDuration returns the long-poll window as a duration.
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollDurationMillis) * time.Millisecond
}

// AgentWarmup returns the warm-up window as a duration.
func (c *Config) AgentWarmup() time.Duration {
	return time.Duration(c.AgentWarmupSecs) * time.Second
}
