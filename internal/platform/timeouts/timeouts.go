// Package timeouts defines shared timeout defaults used across the engine.
// Centralizing these values keeps the archive, recovery, and runtime paths
// discoverable in one place.
package timeouts

import "time"

// ArchiveBatch caps a single bulk archive call to a backend.
const ArchiveBatch = 10 * time.Second

// ArchiveRetrieve caps a read that falls through from the active table to
// the archive.
const ArchiveRetrieve = 3 * time.Second

// Recovery is the default deadline for a recovery request when the caller
// supplies none.
const Recovery = 30 * time.Second

// BackendDial caps connectivity checks against remote archive tiers.
const BackendDial = 5 * time.Second

// Shutdown limits how long the archive worker drains in-flight jobs during
// graceful shutdown.
const Shutdown = 5 * time.Second
