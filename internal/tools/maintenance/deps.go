package maintenance

import (
	"context"

	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

// eventInspector reads and verifies one entity's event chain.
type eventInspector interface {
	ListEvents(ctx context.Context, entityID string, afterSeq uint64, limit int) ([]eventlog.Event, error)
	VerifyIntegrity(ctx context.Context, entityID string) (int, error)
	Close() error
}

// archiveInspector reads the archive index and dead letters.
type archiveInspector interface {
	QueryRecords(ctx context.Context, filter archive.Filter) ([]archive.Record, error)
	ListDeadLetters(ctx context.Context) ([]archive.DeadLetter, error)
	Close() error
}
