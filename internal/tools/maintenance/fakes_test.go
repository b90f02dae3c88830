package maintenance

import (
	"context"

	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

// fakeEventStore serves canned events keyed by entity id.
type fakeEventStore struct {
	events    map[string][]eventlog.Event
	listErr   error
	verifyErr map[string]error
	closeErr  error
	closed    bool
}

func (f *fakeEventStore) ListEvents(_ context.Context, entityID string, afterSeq uint64, limit int) ([]eventlog.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var result []eventlog.Event
	for _, evt := range f.events[entityID] {
		if evt.Seq > afterSeq {
			result = append(result, evt)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (f *fakeEventStore) VerifyIntegrity(_ context.Context, entityID string) (int, error) {
	if err := f.verifyErr[entityID]; err != nil {
		return 0, err
	}
	return len(f.events[entityID]), nil
}

func (f *fakeEventStore) Close() error {
	f.closed = true
	return f.closeErr
}

// fakeArchiveStore serves canned archive records and dead letters.
type fakeArchiveStore struct {
	records     []archive.Record
	deadLetters []archive.DeadLetter
	lastFilter  archive.Filter
	err         error
}

func (f *fakeArchiveStore) QueryRecords(_ context.Context, filter archive.Filter) ([]archive.Record, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeArchiveStore) ListDeadLetters(context.Context) ([]archive.DeadLetter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.deadLetters, nil
}

func (f *fakeArchiveStore) Close() error {
	return nil
}
