package archive

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	platformotel "github.com/louisbranch/sessionstate/internal/platform/otel"
)

// counters tracks worker outcomes both in process, for Summary, and through
// the global meter provider.
type counters struct {
	archived     atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	discarded    atomic.Int64

	archivedCounter     metric.Int64Counter
	failedCounter       metric.Int64Counter
	deadLetteredCounter metric.Int64Counter
	discardedCounter    metric.Int64Counter
}

func newCounters() *counters {
	meter := platformotel.Meter("archive")
	return &counters{
		archivedCounter:     int64Counter(meter, "sessionstate.archive.archived", "Entities moved to the archive tier."),
		failedCounter:       int64Counter(meter, "sessionstate.archive.failed", "Archive attempts that failed and were retried."),
		deadLetteredCounter: int64Counter(meter, "sessionstate.archive.dead_lettered", "Archive jobs that exhausted their retries."),
		discardedCounter:    int64Counter(meter, "sessionstate.archive.discarded", "Archive jobs dropped at shutdown."),
	}
}

func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return counter
}

func (c *counters) addArchived(ctx context.Context, trigger Trigger) {
	c.archived.Add(1)
	c.archivedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
}

func (c *counters) addFailed(ctx context.Context, backend string) {
	c.failed.Add(1)
	c.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func (c *counters) addDeadLettered(ctx context.Context, entityType string) {
	c.deadLettered.Add(1)
	c.deadLetteredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("entity.type", entityType)))
}

func (c *counters) addDiscarded(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	c.discarded.Add(int64(n))
	c.discardedCounter.Add(ctx, int64(n))
}
