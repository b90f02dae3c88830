// Package archive moves inactive entity state out of the active table and
// into durable, queryable long-term storage.
//
// Producers enqueue jobs on a priority Queue. A Worker drains it in batches,
// writes each batch to a Backend in one call, indexes the result and asks
// the owning Source to release the entity. Jobs that keep failing land in a
// dead-letter store for operators. Manager is the facade that ties these
// together and runs the retention sweep.
package archive
