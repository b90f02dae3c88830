// Package entity defines the session state shape shared by every layer of
// the persistence engine, and the contracts the rules engine supplies to
// mutate and validate it.
//
// State payloads are opaque to this module. The rules engine owns their
// meaning through Applier and Validator; everything else only moves bytes,
// sequence numbers and schema versions around.
package entity
