package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/ksched/internal/kern"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Program operations
const (
	OpCompute      = "compute"
	OpYield        = "yield"
	OpYieldMigrate = "yield_migrate"
	OpYieldAny     = "yield_any"
	OpLock         = "lock"
	OpUnlock       = "unlock"
	OpSleep        = "sleep"
	OpSetPriority  = "set_priority"
	OpExit         = "exit"
)

// Payload formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = 8080 // default
	}
	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("health_port %d out of range", cfg.HealthPort)
	}

	if err := ValidateScheduler(&cfg.Scheduler); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}

	locks, err := validateLocks(cfg.Locks)
	if err != nil {
		return fmt.Errorf("lock validation failed: %w", err)
	}

	if len(cfg.Processes) == 0 {
		return fmt.Errorf("at least one process is required")
	}
	processes := make(map[string]bool)
	threads := make(map[string]bool)
	for i := range cfg.Processes {
		p := &cfg.Processes[i]
		if p.Name == "" {
			return fmt.Errorf("process %d: name is required", i)
		}
		if processes[p.Name] {
			return fmt.Errorf("process '%s' defined twice", p.Name)
		}
		processes[p.Name] = true

		if err := validateProcess(p, cfg.Scheduler.Cores, locks, threads); err != nil {
			return fmt.Errorf("process '%s': %w", p.Name, err)
		}
	}

	if err := ValidateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return fmt.Errorf("mqtt validation failed: %w", err)
	}

	return nil
}

// ValidateScheduler validates core settings
func ValidateScheduler(s *SchedulerConfig) error {
	if s.Cores < 1 || s.Cores > kern.MaxCores {
		return fmt.Errorf("cores must be in [1,%d], got %d", kern.MaxCores, s.Cores)
	}
	if len(s.CoreMap) > 0 {
		if len(s.CoreMap) != s.Cores {
			return fmt.Errorf("core_map has %d entries, want %d", len(s.CoreMap), s.Cores)
		}
		seen := make(map[int32]bool)
		for i, phys := range s.CoreMap {
			if phys < 0 || int(phys) >= s.Cores || seen[phys] {
				return fmt.Errorf("core_map[%d]=%d is not a permutation of the cores", i, phys)
			}
			seen[phys] = true
		}
	}
	if s.TickIntervalMS <= 0 {
		s.TickIntervalMS = 10 // default
	}
	if s.QuantumTicks <= 0 {
		s.QuantumTicks = 10 // default
	}
	return nil
}

func validateLocks(locks []LockConfig) (map[string]bool, error) {
	names := make(map[string]bool)
	keys := make(map[uint64]string)
	for i := range locks {
		l := &locks[i]
		if l.Name == "" {
			return nil, fmt.Errorf("lock %d: name is required", i)
		}
		if names[l.Name] {
			return nil, fmt.Errorf("lock '%s' defined twice", l.Name)
		}
		names[l.Name] = true

		if l.Key == 0 {
			l.Key = uint64(0x1000 + 0x10*i) // default
		}
		if other, exists := keys[l.Key]; exists {
			return nil, fmt.Errorf("lock '%s': key %#x already used by '%s'", l.Name, l.Key, other)
		}
		keys[l.Key] = l.Name
	}
	return names, nil
}

func validateProcess(p *ProcessConfig, cores int, locks, threads map[string]bool) error {
	all := uint64(1)<<uint(cores) - 1
	if p.CoreMask == 0 {
		p.CoreMask = all // default
	}
	if p.CoreMask&^all != 0 {
		return fmt.Errorf("core_mask %#b outside the %d cores", p.CoreMask, cores)
	}
	if len(p.Threads) == 0 {
		return fmt.Errorf("at least one thread is required")
	}

	allowed := p.CoreMask
	if p.Kernel {
		allowed = all
	}
	for i := range p.Threads {
		t := &p.Threads[i]
		if t.Name == "" {
			return fmt.Errorf("thread %d: name is required", i)
		}
		if threads[t.Name] {
			return fmt.Errorf("thread '%s' defined twice", t.Name)
		}
		threads[t.Name] = true

		if err := ValidateThread(t, cores, allowed, locks); err != nil {
			return fmt.Errorf("thread '%s': %w", t.Name, err)
		}
	}
	return nil
}

// ValidateThread validates a thread against the cores its process allows
func ValidateThread(t *ThreadConfig, cores int, allowed uint64, locks map[string]bool) error {
	if err := validatePriority(t.Priority); err != nil {
		return err
	}
	if t.IdealCore < 0 || int(t.IdealCore) >= cores {
		return fmt.Errorf("ideal_core %d out of range", t.IdealCore)
	}
	if t.AffinityMask == 0 {
		t.AffinityMask = 1 << uint(t.IdealCore) // default
	}
	if t.AffinityMask&^allowed != 0 {
		return fmt.Errorf("affinity_mask %#b outside allowed cores %#b", t.AffinityMask, allowed)
	}
	if t.AffinityMask&(1<<uint(t.IdealCore)) == 0 {
		return fmt.Errorf("ideal_core %d not in affinity_mask %#b", t.IdealCore, t.AffinityMask)
	}

	if len(t.Program) == 0 {
		return fmt.Errorf("program is empty")
	}
	for i, in := range t.Program {
		if err := validateInstruction(in, locks); err != nil {
			return fmt.Errorf("program[%d]: %w", i, err)
		}
	}
	return nil
}

func validatePriority(p int32) error {
	if p < kern.HighestThreadPriority || p > kern.LowestThreadPriority {
		return fmt.Errorf("priority must be in [%d,%d], got %d",
			kern.HighestThreadPriority, kern.LowestThreadPriority, p)
	}
	return nil
}

func validateInstruction(in Instruction, locks map[string]bool) error {
	switch in.Op {
	case OpCompute, OpSleep:
		if in.Ticks <= 0 {
			return fmt.Errorf("%s needs ticks > 0", in.Op)
		}
	case OpLock, OpUnlock:
		if in.Lock == "" {
			return fmt.Errorf("%s needs a lock name", in.Op)
		}
		if !locks[in.Lock] {
			return fmt.Errorf("%s: lock '%s' not found in locks", in.Op, in.Lock)
		}
	case OpSetPriority:
		return validatePriority(in.Priority)
	case OpYield, OpYieldMigrate, OpYieldAny, OpExit:
	default:
		return fmt.Errorf("unknown op '%s'", in.Op)
	}
	return nil
}

// ValidateMQTT validates broker settings and fills in topic defaults
func ValidateMQTT(m *MQTTConfig, instanceID string) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("broker is required when mqtt is enabled")
	}
	if m.ClientID == "" {
		m.ClientID = fmt.Sprintf("kschedd-%s", instanceID)
	}

	switch m.PayloadFormat {
	case "":
		m.PayloadFormat = FormatJSON // default
	case FormatJSON, FormatMsgpack:
	default:
		return fmt.Errorf("payload_format must be '%s' or '%s', got '%s'", FormatJSON, FormatMsgpack, m.PayloadFormat)
	}

	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("ksched/control/%s", instanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("ksched/events/%s", instanceID)
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("ksched/status/%s", instanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control":    1,
			"status":     0,
			"switch":     0,
			"migrate":    1,
			"reschedule": 0,
			"priority":   1,
			"state":      0,
		}
	}
	for name, qos := range m.QoS {
		if qos > 2 {
			return fmt.Errorf("qos for '%s' must be 0, 1 or 2, got %d", name, qos)
		}
	}

	return nil
}
