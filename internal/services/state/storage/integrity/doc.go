// Package integrity hashes recorded transitions, links them into a
// per-entity chain and signs each chain link so a stored event log can be
// checked for tampering or reordering.
package integrity
