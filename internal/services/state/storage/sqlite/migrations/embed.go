package migrations

import "embed"

// EventsFS holds the event log, snapshot and heartbeat schema.
//
//go:embed events/*.sql
var EventsFS embed.FS

// ArchiveFS holds the archive blob, index and dead-letter schema.
//
//go:embed archive/*.sql
var ArchiveFS embed.FS
