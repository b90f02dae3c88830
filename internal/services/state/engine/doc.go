// Package engine assembles the session state engine: the event-sourced
// state machine, the snapshot and recovery managers, the archive tier and
// the hybrid repository in front of them.
//
// Engine is the surface the rules engine and the connection layer call.
// Reads and writes go to the repository, history to the state machine,
// recovery requests to the recovery manager. Background work (the archive
// worker, periodic ticks and retention sweeps) is driven by the runtime in
// package app.
package engine
