package config

import (
	"fmt"

	"github.com/hyunwoo/reportd/internal/logger"
	"github.com/hyunwoo/reportd/pkg/agent"
	"github.com/hyunwoo/reportd/pkg/peer"
	"github.com/hyunwoo/reportd/pkg/schedule"
)

// Config is the daemon's full configuration.
type Config struct {
	DataDir   string           `json:"data_dir" mapstructure:"data_dir"`
	Logging   logger.Config    `json:"logging" mapstructure:"logging"`
	Peers     []peer.Config    `json:"peers" mapstructure:"peers"`
	PeersDir  string           `json:"peers_dir" mapstructure:"peers_dir"`
	Provider  agent.Profile    `json:"provider" mapstructure:"provider"`
	Session   SessionConfig    `json:"session" mapstructure:"session"`
	Schedules []schedule.Entry `json:"schedules" mapstructure:"schedules"`
	Gateway   GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Timeouts  TimeoutConfig    `json:"timeouts" mapstructure:"timeouts"`
}

// SessionConfig bounds session execution.
type SessionConfig struct {
	HardCeiling    int `json:"hard_ceiling" mapstructure:"hard_ceiling"`
	SoftCeiling    int `json:"soft_ceiling" mapstructure:"soft_ceiling"`
	RetentionHours int `json:"retention_hours" mapstructure:"retention_hours"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// TimeoutConfig configures peer call and shutdown deadlines, in
// seconds.
type TimeoutConfig struct {
	CallSeconds      int `json:"call_seconds" mapstructure:"call_seconds"`
	StopGraceSeconds int `json:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.Config{
			Level:   "info",
			Console: true,
		},
		Provider: agent.DefaultProfile(),
		Session: SessionConfig{
			HardCeiling:    50,
			SoftCeiling:    50,
			RetentionHours: 24,
		},
		Gateway: GatewayConfig{
			Addr: ":8787",
		},
		Timeouts: TimeoutConfig{
			CallSeconds:      30,
			StopGraceSeconds: 5,
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider.Provider)
	}

	seen := make(map[string]bool)
	for _, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("peer with command %q has no name", p.Command)
		}
		if p.Command == "" {
			return fmt.Errorf("peer %s has no command", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	for _, s := range c.Schedules {
		if s.Spec == "" || s.Query == "" {
			return fmt.Errorf("schedule entries need both spec and query")
		}
	}

	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway addr cannot be empty")
	}
	return nil
}
