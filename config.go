package openclaw

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calltelemetry/openclaw/agents"
)

// Config holds engine configuration. Durations are expressed in the units the
// deployer writes them in (milliseconds for engine timings, seconds for the
// watchdog) and kept as integers; the accessor methods below convert them to
// durations.
type Config struct {
	DispatchStatePath    string `yaml:"dispatchStatePath"`
	MaxReworkAttempts    int    `yaml:"maxReworkAttempts"`
	StaleMaxAgeMs        int64  `yaml:"staleMaxAgeMs"`
	CompletedRetentionMs int64  `yaml:"completedRetentionMs"`
	MonitorTickMs        int64  `yaml:"monitorTickMs"`

	// CompleteOnStuck terminates stuck dispatches: the record moves to the
	// completed table as failed. When false, stuck dispatches stay active so
	// humans and the monitor can still see them.
	CompleteOnStuck bool `yaml:"completeOnStuck"`

	Watchdog WatchdogSeconds `yaml:"watchdog"`
}

// WatchdogSeconds is the user-facing watchdog configuration.
type WatchdogSeconds struct {
	InactivitySec  int `yaml:"inactivitySec"`
	MaxTotalSec    int `yaml:"maxTotalSec"`
	ToolTimeoutSec int `yaml:"toolTimeoutSec"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		MaxReworkAttempts:    2,
		StaleMaxAgeMs:        7_200_000,   // 2h
		CompletedRetentionMs: 604_800_000, // 7d
		MonitorTickMs:        300_000,     // 5m
		CompleteOnStuck:      false,
		Watchdog: WatchdogSeconds{
			InactivitySec:  120,
			MaxTotalSec:    7200,
			ToolTimeoutSec: 600,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing path (or
// empty string) yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// StaleMaxAge is the age past which an active dispatch is declared stuck.
func (c Config) StaleMaxAge() time.Duration {
	return time.Duration(c.StaleMaxAgeMs) * time.Millisecond
}

// CompletedRetention is how long completed records are kept before pruning.
func (c Config) CompletedRetention() time.Duration {
	return time.Duration(c.CompletedRetentionMs) * time.Millisecond
}

// MonitorTick is the background monitor's cadence.
func (c Config) MonitorTick() time.Duration {
	return time.Duration(c.MonitorTickMs) * time.Millisecond
}

// WatchdogConfig converts the user-facing seconds to the core's durations.
func (c Config) WatchdogConfig() agents.WatchdogConfig {
	return agents.WatchdogConfig{
		Inactivity:  time.Duration(c.Watchdog.InactivitySec) * time.Second,
		MaxTotal:    time.Duration(c.Watchdog.MaxTotalSec) * time.Second,
		ToolTimeout: time.Duration(c.Watchdog.ToolTimeoutSec) * time.Second,
	}
}
