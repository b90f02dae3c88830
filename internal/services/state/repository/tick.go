package repository

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// TickResult counts what one Tick did.
type TickResult struct {
	Evaluated  int
	Enqueued   int
	Heartbeats int
	// Invalid counts active entities that failed validation and so got no
	// heartbeat.
	Invalid int
}

type tickCandidate struct {
	state  entity.State
	pinned bool
}

// Tick runs the archival strategy over every active entity and enqueues
// the ones it selects. Entities that pass validation get a heartbeat at now,
// which before_error recovery uses as its last known-good time.
func (r *Repository) Tick(ctx context.Context, now time.Time, pressure bool) (TickResult, error) {
	if now.IsZero() {
		now = r.clock()
	}
	r.mu.Lock()
	candidates := make([]tickCandidate, 0, len(r.entries))
	for elem := r.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*activeEntry)
		candidates = append(candidates, tickCandidate{state: e.state.Clone(), pinned: e.pinned})
	}
	r.mu.Unlock()

	policies := r.archive.Policies()
	var result TickResult
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Evaluated++

		valid := true
		if r.validator != nil {
			if err := r.validator.Validate(c.state); err != nil {
				valid = false
				result.Invalid++
				r.logger.Warn("active entity failed validation", "entity_id", c.state.ID, "error", err)
			}
		}
		if valid && r.heartbeat(ctx, c.state.ID, now) {
			result.Heartbeats++
		}

		decision := archive.ShouldArchive(archive.Candidate{
			EntityID:     c.state.ID,
			EntityType:   c.state.Type,
			Completed:    c.state.Completed,
			LastActivity: c.state.LastActivity,
			Pinned:       c.pinned,
		}, policies.For(c.state.Type), now, pressure)
		if !decision.Archive {
			continue
		}
		err := r.archive.ArchiveEntity(ctx, c.state.ID, c.state.Type, decision.Trigger, decision.Priority)
		switch {
		case err == nil:
			result.Enqueued++
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			// Archived or deleted since the scan.
		default:
			return result, err
		}
	}
	return result, nil
}

func (r *Repository) heartbeat(ctx context.Context, entityID string, now time.Time) bool {
	if err := r.machine.Heartbeat(ctx, entityID, now); err != nil {
		r.logger.Warn("heartbeat failed", "entity_id", entityID, "error", err)
		return false
	}
	return true
}
