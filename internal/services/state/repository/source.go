package repository

import (
	"context"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// The methods below implement archive.Source. Each runs under the entity
// lock, so a mutation can never interleave with the hand-off between tiers.

// ArchiveCandidate returns the active state and its version.
func (r *Repository) ArchiveCandidate(_ context.Context, entityID string) (entity.State, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookup(entityID)
	if !ok {
		return entity.State{}, 0, false
	}
	return e.state.Clone(), e.version, true
}

// CommitArchived removes the entity from the active table once commit has
// recorded the archive, unless the entity changed or was pinned since
// version was read.
func (r *Repository) CommitArchived(ctx context.Context, entityID string, version uint64, commit func() error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := r.locks.Lock(entityID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.lookup(entityID)
	current := ok && e.version == version && !e.pinned
	r.mu.Unlock()
	if !current {
		return false, nil
	}
	if err := commit(); err != nil {
		return false, err
	}
	r.removeLocked(entityID)
	return true, nil
}

// Abandon hands the active state to commit and drops the entity from the
// active table once commit succeeds.
func (r *Repository) Abandon(ctx context.Context, entityID string, commit func(state entity.State, ok bool) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.locks.Lock(entityID)
	defer unlock()

	state, ok := r.active(entityID, false)
	if err := commit(state, ok); err != nil {
		return err
	}
	r.removeLocked(entityID)
	return nil
}

// Restore puts a state back into the active table unless a newer one is
// already there.
func (r *Repository) Restore(ctx context.Context, state entity.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := state.Normalize()
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(state.ID)
	defer unlock()

	if r.IsActive(state.ID) {
		return nil
	}
	r.putLocked(state)
	return nil
}
