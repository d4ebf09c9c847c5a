// Package mtconnect exposes the pieces needed to embed the agent in other
// Go programs: build an agent from a config value and run it. The agent,
// config, registry and observation types are aliased here; the stores
// themselves are not exported.
package mtconnect

import (
	"github.com/micheletedeschi/mtconnect-agent/internal/agent"
	"github.com/micheletedeschi/mtconnect-agent/internal/config"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
)

// Version is the agent release version, overridden at build time with
// -ldflags "-X github.com/micheletedeschi/mtconnect-agent.Version=...".
var Version = "dev"

// Core types for embedding.
type (
	Agent        = agent.Agent
	Config       = config.Config
	DeviceConfig = config.DeviceConfig
	Registry     = schema.Registry
	Observation  = store.Observation
)

// NewAgent wires an agent from a config value.
func NewAgent(cfg *Config) (*Agent, error) {
	return agent.New(cfg)
}

// LoadConfig reads an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
