package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete simulator configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HealthPort       int             `yaml:"health_port"`        // HTTP health server port (default: 8080)
	Scheduler        SchedulerConfig `yaml:"scheduler"`
	Processes        []ProcessConfig `yaml:"processes"`
	Locks            []LockConfig    `yaml:"locks"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// SchedulerConfig contains the simulated SoC settings
type SchedulerConfig struct {
	Cores          int     `yaml:"cores"`            // physical cores, 1..4
	CoreMap        []int32 `yaml:"core_map"`         // virtual -> physical core, identity when empty
	DebugMode      bool    `yaml:"debug_mode"`       // idle accounting
	TickIntervalMS int     `yaml:"tick_interval_ms"` // wall time per tick (default: 10)
	QuantumTicks   int64   `yaml:"quantum_ticks"`    // ticks before a thread is rotated (default: 10)
}

// ProcessConfig defines a process and its threads
type ProcessConfig struct {
	Name     string         `yaml:"name"`
	Kernel   bool           `yaml:"kernel"`    // threads have no owning process
	CoreMask uint64         `yaml:"core_mask"` // virtual cores (default: all)
	Threads  []ThreadConfig `yaml:"threads"`
}

// ThreadConfig defines a single thread
type ThreadConfig struct {
	Name         string        `yaml:"name"`
	Priority     int32         `yaml:"priority"`      // 0 (highest) .. 63
	IdealCore    int32         `yaml:"ideal_core"`    // virtual core
	AffinityMask uint64        `yaml:"affinity_mask"` // virtual cores (default: ideal core only)
	Loop         bool          `yaml:"loop"`          // restart the program when it ends
	Program      []Instruction `yaml:"program"`
}

// Instruction is one step of a thread program
type Instruction struct {
	Op       string `yaml:"op"`
	Ticks    int64  `yaml:"ticks,omitempty"`    // compute, sleep
	Lock     string `yaml:"lock,omitempty"`     // lock, unlock
	Priority int32  `yaml:"priority,omitempty"` // set_priority
}

// LockConfig defines a kernel lock shared by thread programs
type LockConfig struct {
	Name string `yaml:"name"`
	Key  uint64 `yaml:"key"` // address key (default: derived from position)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Broker        string          `yaml:"broker"`
	ClientID      string          `yaml:"client_id"`
	PayloadFormat string          `yaml:"payload_format"` // json, msgpack
	Topics        MQTTTopics      `yaml:"topics"`
	QoS           map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Status  string `yaml:"status"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration data
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Thread returns the configuration of the named thread and its process.
func (c *Config) Thread(name string) (*ProcessConfig, *ThreadConfig, bool) {
	for i := range c.Processes {
		p := &c.Processes[i]
		for j := range p.Threads {
			if p.Threads[j].Name == name {
				return p, &p.Threads[j], true
			}
		}
	}
	return nil, nil, false
}
