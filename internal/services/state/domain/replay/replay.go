// Package replay folds recorded transitions onto a starting state.
package replay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrEntityIDRequired indicates a missing entity id.
	ErrEntityIDRequired = errors.New("entity id is required")
)

// EventStore lists events for replay.
type EventStore interface {
	ListEvents(ctx context.Context, entityID string, afterSeq uint64, limit int) ([]eventlog.Event, error)
}

// Options configures replay behavior.
type Options struct {
	// UntilSeq stops before the first event above it. Zero means no bound.
	UntilSeq uint64
	// UntilTime stops before the first event stamped after it. Zero means no bound.
	UntilTime time.Time
	PageSize  int
}

// Result captures replay outcomes.
type Result struct {
	State   entity.State
	LastSeq uint64
	Applied int
}

// Step applies one event to state and stamps the event's sequence number
// and timestamp onto the result. Live recording and replay both fold
// through Step so they cannot drift apart.
func Step(applier entity.Applier, state entity.State, evt eventlog.Event) (entity.State, error) {
	var (
		next entity.State
		err  error
	)
	if evt.Type == entity.TransitionRestored {
		next, err = entity.ApplyRestore(state, evt.Transition())
	} else {
		next, err = applier.Apply(state.Clone(), evt.Transition())
	}
	if err != nil {
		return state, err
	}
	next.ID = state.ID
	next.Type = state.Type
	next.Seq = evt.Seq
	if evt.ToState != "" {
		next.Status = evt.ToState
	}
	if evt.Timestamp.After(next.LastActivity) {
		next.LastActivity = evt.Timestamp
	}
	return next, nil
}

// Replay folds the events recorded after state.Seq onto state, in order.
func Replay(ctx context.Context, store EventStore, applier entity.Applier, state entity.State, options Options) (Result, error) {
	if store == nil {
		return Result{}, ErrEventStoreRequired
	}
	if applier == nil {
		return Result{}, ErrApplierRequired
	}
	entityID := strings.TrimSpace(state.ID)
	if entityID == "" {
		return Result{}, ErrEntityIDRequired
	}
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := Result{State: state, LastSeq: state.Seq}
	for {
		events, err := store.ListEvents(ctx, entityID, result.LastSeq, pageSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if options.UntilSeq > 0 && evt.Seq > options.UntilSeq {
				return result, nil
			}
			if !options.UntilTime.IsZero() && evt.Timestamp.After(options.UntilTime) {
				return result, nil
			}
			if evt.Seq != result.LastSeq+1 {
				return result, eventlog.GapError(entityID, result.LastSeq, evt.Seq)
			}
			nextState, err := Step(applier, result.State, evt)
			if err != nil {
				return result, err
			}
			result.State = nextState
			result.LastSeq = evt.Seq
			result.Applied++
		}
	}
}
