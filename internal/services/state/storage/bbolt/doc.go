// Package bbolt provides a BoltDB-backed snapshot store.
//
// Snapshots live in one nested bucket per entity under the top-level
// "snapshots" bucket, keyed by snapshot id.
package bbolt
