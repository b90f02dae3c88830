// Package recovery rebuilds entity state for a recovery goal and checks the
// result before handing it back.
//
// Every mode walks a list of candidate snapshots, newest first. A candidate
// whose result fails validation is skipped in favour of the next-older one,
// up to the configured number of fallback attempts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	platformotel "github.com/louisbranch/sessionstate/internal/platform/otel"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/replay"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
)

// DefaultMaxFallbackAttempts bounds how many older snapshots are tried after
// the first candidate fails.
const DefaultMaxFallbackAttempts = 3

// Mode selects a recovery goal.
type Mode string

const (
	// ModeLatest rebuilds the newest state from snapshot plus replay.
	ModeLatest Mode = "latest"
	// ModeSnapshot loads one snapshot, by id or time, without replay.
	ModeSnapshot Mode = "snapshot"
	// ModePointInTime rebuilds the state as it was at a target time.
	ModePointInTime Mode = "point_in_time"
	// ModeBeforeError rebuilds the state as of the last known-good heartbeat.
	ModeBeforeError Mode = "before_error"
)

// ParseMode validates a mode name.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case ModeLatest, ModeSnapshot, ModePointInTime, ModeBeforeError:
		return mode, nil
	case "":
		return ModeLatest, nil
	default:
		return "", fmt.Errorf("unknown recovery mode %q", value)
	}
}

// Request describes one recovery goal.
type Request struct {
	EntityID   string
	Mode       Mode
	SnapshotID string
	Target     time.Time
}

// Result is a recovered, validated state.
type Result struct {
	State       entity.State
	Mode        Mode
	SnapshotID  string
	SnapshotSeq uint64
	Replayed    int
	// Attempts counts the candidates tried, including the one returned.
	Attempts int
	// Target is the time bound applied to replay, zero for unbounded modes.
	Target time.Time
	// Degraded is set when replay failed and a plain snapshot was returned.
	Degraded bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithValidator sets the validator applied to every recovered state.
func WithValidator(validator entity.Validator) Option {
	return func(m *Manager) {
		m.validator = validator
	}
}

// WithMaxFallbackAttempts sets how many older snapshots may be tried.
func WithMaxFallbackAttempts(attempts int) Option {
	return func(m *Manager) {
		if attempts >= 0 {
			m.maxFallback = attempts
		}
	}
}

// WithTimeout sets the deadline applied when the caller supplies none.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager runs recovery requests against a state machine's history.
type Manager struct {
	machine     *machine.Machine
	validator   entity.Validator
	maxFallback int
	timeout     time.Duration
	logger      *logging.Logger
	tracer      trace.Tracer
}

// New builds a recovery manager reading through sm.
func New(sm *machine.Machine, opts ...Option) (*Manager, error) {
	if sm == nil {
		return nil, errors.New("state machine is required")
	}
	m := &Manager{
		machine:     sm,
		maxFallback: DefaultMaxFallbackAttempts,
		timeout:     timeouts.Recovery,
		tracer:      platformotel.Tracer("recovery"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

type plan struct {
	candidates []snapshot.Snapshot
	replay     bool
	target     time.Time
	// fromInitial appends the entity's initial state as the oldest candidate.
	fromInitial bool
}

// Recover executes req and returns the first candidate state that passes
// validation.
func (m *Manager) Recover(ctx context.Context, req Request) (Result, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" {
		return Result{}, apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeLatest
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	ctx, span := m.tracer.Start(ctx, "recovery.Recover", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.String("recovery.mode", string(req.Mode)),
	))
	defer span.End()

	result, err := m.recover(ctx, req)
	if err != nil {
		err = m.classify(ctx, req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("recovery failed", "entity_id", req.EntityID, "mode", req.Mode, "error", err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int64("recovery.snapshot_seq", int64(result.SnapshotSeq)),
		attribute.Int("recovery.replayed", result.Replayed),
		attribute.Int("recovery.attempts", result.Attempts),
		attribute.Bool("recovery.degraded", result.Degraded),
	)
	m.logger.Info("entity recovered",
		"entity_id", req.EntityID,
		"mode", req.Mode,
		"snapshot_id", result.SnapshotID,
		"seq", result.State.Seq,
		"attempts", result.Attempts)
	return result, nil
}

func (m *Manager) classify(ctx context.Context, req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.WrapWithMetadata(apperrors.CodeRecoveryTimeout, "recovery deadline exceeded",
			map[string]string{"entity_id": req.EntityID, "mode": string(req.Mode)}, err)
	}
	return err
}

func (m *Manager) recover(ctx context.Context, req Request) (Result, error) {
	p, err := m.plan(ctx, req)
	if err != nil {
		return Result{}, err
	}

	attempts := len(p.candidates)
	if p.fromInitial {
		attempts++
	}
	if limit := m.maxFallback + 1; attempts > limit {
		attempts = limit
	}
	if attempts == 0 {
		return Result{}, apperrors.WithMetadata(apperrors.CodeNotFound, "nothing to recover",
			map[string]string{"entity_id": req.EntityID, "mode": string(req.Mode)})
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		result, err := m.attempt(ctx, req, p, i)
		if err == nil {
			result.Attempts = i + 1
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		lastErr = err
		m.logger.Warn("recovery candidate rejected", "entity_id", req.EntityID, "mode", req.Mode, "attempt", i+1, "error", err)
	}
	return Result{}, apperrors.WrapWithMetadata(apperrors.CodeRecoveryExhausted, "all recovery candidates failed",
		map[string]string{"entity_id": req.EntityID, "mode": string(req.Mode), "attempts": strconv.Itoa(attempts)}, lastErr)
}

func (m *Manager) plan(ctx context.Context, req Request) (plan, error) {
	snaps, err := m.machine.Snapshots().ListSnapshots(ctx, req.EntityID)
	if err != nil {
		return plan{}, err
	}

	switch req.Mode {
	case ModeLatest:
		return plan{candidates: snaps, replay: true, fromInitial: len(snaps) == 0}, nil
	case ModeSnapshot:
		if id := strings.TrimSpace(req.SnapshotID); id != "" {
			for i, snap := range snaps {
				if snap.ID == id {
					return plan{candidates: snaps[i:]}, nil
				}
			}
			return plan{}, apperrors.WrapWithMetadata(apperrors.CodeNotFound, "snapshot not found",
				map[string]string{"entity_id": req.EntityID, "snapshot_id": id}, snapshot.ErrNotFound)
		}
		if req.Target.IsZero() {
			return plan{}, apperrors.New(apperrors.CodeInvalidArgument, "snapshot recovery needs a snapshot id or target time")
		}
		return plan{candidates: atOrBefore(snaps, req.Target), target: req.Target}, nil
	case ModePointInTime:
		if req.Target.IsZero() {
			return plan{}, apperrors.New(apperrors.CodeInvalidArgument, "point in time recovery needs a target time")
		}
		return m.pointInTime(snaps, req.Target), nil
	case ModeBeforeError:
		target, err := m.machine.LastHeartbeat(ctx, req.EntityID)
		if err != nil {
			return plan{}, err
		}
		return m.pointInTime(snaps, target), nil
	default:
		return plan{}, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown recovery mode %q", req.Mode))
	}
}

func (m *Manager) pointInTime(snaps []snapshot.Snapshot, target time.Time) plan {
	candidates := atOrBefore(snaps, target)
	return plan{candidates: candidates, replay: true, target: target, fromInitial: len(candidates) == 0}
}

func atOrBefore(snaps []snapshot.Snapshot, target time.Time) []snapshot.Snapshot {
	point := snapshot.AtTime(target)
	out := make([]snapshot.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if point.Matches(snap) {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) attempt(ctx context.Context, req Request, p plan, index int) (Result, error) {
	result := Result{Mode: req.Mode, Target: p.target}
	var state entity.State
	if index < len(p.candidates) {
		snap := p.candidates[index]
		decoded, err := snap.State()
		if err != nil {
			return Result{}, err
		}
		state = decoded
		result.SnapshotID = snap.ID
		result.SnapshotSeq = snap.Seq
	} else {
		initial, err := m.initialState(ctx, req.EntityID)
		if err != nil {
			return Result{}, err
		}
		state = initial
	}

	state, err := m.machine.Migrations().UpgradeState(state)
	if err != nil {
		return Result{}, err
	}

	if p.replay {
		replayed, err := replay.Replay(ctx, m.machine.Events(), m.machine.Applier(), state, replay.Options{UntilTime: p.target})
		switch {
		case err == nil:
			state = replayed.State
			result.Replayed = replayed.Applied
		case ctx.Err() != nil:
			return Result{}, err
		case req.Mode == ModeLatest && result.SnapshotID != "":
			m.logger.Warn("replay unavailable, using plain snapshot", "entity_id", req.EntityID, "snapshot_id", result.SnapshotID, "error", err)
			result.Degraded = true
		default:
			return Result{}, err
		}
	}

	if m.validator != nil {
		if err := m.validator.Validate(state); err != nil {
			return Result{}, apperrors.WrapWithMetadata(apperrors.CodeValidationFailed, "recovered state failed validation",
				map[string]string{"entity_id": req.EntityID, "snapshot_id": result.SnapshotID}, err)
		}
	}
	result.State = state
	return result, nil
}

func (m *Manager) initialState(ctx context.Context, entityID string) (entity.State, error) {
	first, err := m.machine.Events().ListEvents(ctx, entityID, 0, 1)
	if err != nil {
		return entity.State{}, err
	}
	if len(first) == 0 {
		return entity.State{}, machine.ErrNotFound
	}
	return m.machine.InitialState(entityID, first[0].EntityType)
}
