package archive

import (
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// Job asks the worker to archive one entity.
type Job struct {
	EntityID   string
	EntityType string
	Trigger    Trigger
	Priority   Priority
	EnqueuedAt time.Time
	// NotBefore holds the job back until a retry backoff elapses.
	NotBefore time.Time
	Attempts  int
	LastError string
}

// DeadLetter is a job that exhausted its retries, together with the entity
// state it was meant to archive.
type DeadLetter struct {
	Job      Job
	Reason   string
	FailedAt time.Time
	// State is the entity state released from the active table. HasState is
	// false when the entity was already gone.
	State    entity.State
	HasState bool
}
