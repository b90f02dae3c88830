package engine

import (
	"fmt"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/recovery"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
)

// Config holds the engine tunables. Zero durations keep the package
// defaults of the component they configure.
type Config struct {
	SnapshotFrequency    int
	PruneOnCompact       bool
	KeepSnapshots        int
	CompressionThreshold int
	// MaxActive bounds the active table. Zero means unbounded.
	MaxActive           int
	MaxFallbackAttempts int
	RecoveryTimeout     time.Duration
	RetrieveTimeout     time.Duration
	ArchiveTimeout      time.Duration
	ShutdownTimeout     time.Duration
	RetryInitial        time.Duration
	RetryMax            time.Duration
	Policies            archive.Policies
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		SnapshotFrequency:    machine.DefaultSnapshotFrequency,
		CompressionThreshold: snapshot.DefaultCompressionThreshold,
		MaxActive:            10000,
		MaxFallbackAttempts:  recovery.DefaultMaxFallbackAttempts,
		Policies:             archive.NewPolicies(archive.DefaultPolicy()),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxActive < 0 {
		return fmt.Errorf("max active must not be negative")
	}
	if c.KeepSnapshots < 0 {
		return fmt.Errorf("keep snapshots must not be negative")
	}
	if c.MaxFallbackAttempts < 0 {
		return fmt.Errorf("max fallback attempts must not be negative")
	}
	if c.RecoveryTimeout < 0 || c.RetrieveTimeout < 0 || c.ArchiveTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return c.withDefaults().Policies.Validate()
}

// withDefaults fills an unset policy set with the default policy.
func (c Config) withDefaults() Config {
	if c.Policies.ByType == nil && c.Policies.Default.BatchSize == 0 && len(c.Policies.Default.Triggers) == 0 {
		c.Policies = archive.NewPolicies(archive.DefaultPolicy())
	}
	return c
}
