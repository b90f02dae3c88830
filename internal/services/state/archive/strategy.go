package archive

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders archival jobs. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority reads a priority name.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown archive priority %q", value)
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Candidate is the view of an active entity the strategy decides on.
type Candidate struct {
	EntityID     string
	EntityType   string
	Completed    bool
	LastActivity time.Time
	Pinned       bool
}

// Decision is the strategy outcome for one candidate.
type Decision struct {
	Archive  bool
	Trigger  Trigger
	Priority Priority
}

// ShouldArchive decides whether a candidate should be archived now. It has
// no side effects.
//
// Completed entities become eligible archive_after past their last activity
// when on_completion is enabled, idle entities after the same delay when
// time_based is enabled. Under memory pressure, with memory_pressure
// enabled, anything completed or idle past archive_after is archived at
// critical priority regardless of the other triggers. Pinned entities are
// never archived.
func ShouldArchive(c Candidate, policy Policy, now time.Time, pressure bool) Decision {
	if c.Pinned {
		return Decision{}
	}
	idle := now.Sub(c.LastActivity)
	eligible := idle >= policy.ArchiveAfter

	if pressure && policy.Enabled(TriggerMemoryPressure) && eligible {
		return Decision{Archive: true, Trigger: TriggerMemoryPressure, Priority: PriorityCritical}
	}
	if c.Completed && policy.Enabled(TriggerOnCompletion) && eligible {
		return Decision{Archive: true, Trigger: TriggerOnCompletion, Priority: PriorityNormal}
	}
	if policy.Enabled(TriggerTimeBased) && eligible {
		return Decision{Archive: true, Trigger: TriggerTimeBased, Priority: PriorityLow}
	}
	return Decision{}
}
