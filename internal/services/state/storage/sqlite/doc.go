// Package sqlite provides SQLite-backed storage for the session state
// engine.
//
// Two databases are opened separately:
//   - the events database holds the hash-chained event log, snapshots and
//     heartbeats (OpenEvents)
//   - the archive database holds archive blobs, the archive index and dead
//     letters (OpenArchive)
package sqlite
