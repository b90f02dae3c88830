package archive

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Trigger names the reason an entity is archived.
type Trigger string

const (
	// TriggerOnCompletion archives finished entities.
	TriggerOnCompletion Trigger = "on_completion"
	// TriggerTimeBased archives entities idle for longer than archive_after.
	TriggerTimeBased Trigger = "time_based"
	// TriggerMemoryPressure raises eligible entities to critical priority
	// while the process is short on memory. Capacity evictions also use it.
	TriggerMemoryPressure Trigger = "memory_pressure"
	// TriggerManual is an operator or rules engine request.
	TriggerManual Trigger = "manual"
)

// ParseTrigger validates a trigger name.
func ParseTrigger(value string) (Trigger, error) {
	trigger := Trigger(strings.ToLower(strings.TrimSpace(value)))
	switch trigger {
	case TriggerOnCompletion, TriggerTimeBased, TriggerMemoryPressure, TriggerManual:
		return trigger, nil
	default:
		return "", fmt.Errorf("unknown archive trigger %q", value)
	}
}

// Policy is the archival configuration for one entity type.
type Policy struct {
	Triggers []Trigger `yaml:"triggers"`
	// ArchiveAfter is the delay after completion, or the idle time for
	// time-based archival, before an entity becomes eligible.
	ArchiveAfter time.Duration `yaml:"archive_after"`
	// CompressAfter is the idle time after which archived payloads are
	// stored compressed.
	CompressAfter time.Duration `yaml:"compress_after"`
	// Retention is how long an archive is kept. Zero keeps it forever.
	Retention time.Duration `yaml:"retention"`
	// BatchSize, BatchTimeout and MaxConcurrency size the shared worker pool
	// and are only read from the default policy. A type section may repeat
	// them but not change them.
	BatchSize      int           `yaml:"batch_size"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxRetries     int           `yaml:"max_retries"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Triggers:       []Trigger{TriggerOnCompletion, TriggerTimeBased, TriggerMemoryPressure, TriggerManual},
		ArchiveAfter:   30 * time.Minute,
		CompressAfter:  time.Hour,
		Retention:      90 * 24 * time.Hour,
		BatchSize:      32,
		BatchTimeout:   500 * time.Millisecond,
		MaxConcurrency: 4,
		MaxRetries:     5,
	}
}

// Enabled reports whether trigger is part of the policy.
func (p Policy) Enabled(trigger Trigger) bool {
	for _, t := range p.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	for _, trigger := range p.Triggers {
		if _, err := ParseTrigger(string(trigger)); err != nil {
			return err
		}
	}
	if p.ArchiveAfter < 0 || p.CompressAfter < 0 || p.Retention < 0 || p.BatchTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if p.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	return nil
}

// Policies holds the default policy and per-type overrides. It is built once
// at startup and never mutated.
type Policies struct {
	Default Policy
	ByType  map[string]Policy
}

// NewPolicies builds a policy set with only a default policy.
func NewPolicies(def Policy) Policies {
	return Policies{Default: def, ByType: map[string]Policy{}}
}

// For returns the policy for an entity type.
func (p Policies) For(entityType string) Policy {
	if policy, ok := p.ByType[entityType]; ok {
		return policy
	}
	return p.Default
}

// Validate checks every policy in the set. Per-type policies must share the
// default's worker pool settings.
func (p Policies) Validate() error {
	if err := p.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for entityType, policy := range p.ByType {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", entityType, err)
		}
		if field := p.Default.poolMismatch(policy); field != "" {
			return fmt.Errorf("policy %q: %s is a pool setting and must match the default policy", entityType, field)
		}
	}
	return nil
}

func (p Policy) poolMismatch(other Policy) string {
	switch {
	case p.BatchSize != other.BatchSize:
		return "batch_size"
	case p.BatchTimeout != other.BatchTimeout:
		return "batch_timeout"
	case p.MaxConcurrency != other.MaxConcurrency:
		return "max_concurrency"
	}
	return ""
}

type policyFile struct {
	Default yaml.Node            `yaml:"default"`
	Types   map[string]yaml.Node `yaml:"types"`
}

// ParsePolicies decodes a YAML policy document. Fields omitted from the
// default section keep DefaultPolicy values; fields omitted from a type
// section keep the decoded default values.
func ParsePolicies(data []byte) (Policies, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policies{}, fmt.Errorf("decode archive policies: %w", err)
	}
	def := DefaultPolicy()
	if !file.Default.IsZero() {
		if err := file.Default.Decode(&def); err != nil {
			return Policies{}, fmt.Errorf("decode default policy: %w", err)
		}
	}
	policies := NewPolicies(def)
	for entityType, node := range file.Types {
		entityType = strings.TrimSpace(entityType)
		if entityType == "" {
			return Policies{}, fmt.Errorf("policy type name is required")
		}
		policy := def
		policy.Triggers = append([]Trigger(nil), def.Triggers...)
		if err := node.Decode(&policy); err != nil {
			return Policies{}, fmt.Errorf("decode policy %q: %w", entityType, err)
		}
		policies.ByType[entityType] = policy
	}
	if err := policies.Validate(); err != nil {
		return Policies{}, err
	}
	return policies, nil
}

// LoadPolicies reads a YAML policy file. An empty path yields the defaults.
func LoadPolicies(path string) (Policies, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewPolicies(DefaultPolicy()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policies{}, fmt.Errorf("read archive policies: %w", err)
	}
	return ParsePolicies(data)
}
