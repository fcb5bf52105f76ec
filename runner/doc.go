// Package runner runs many battles against one long-lived process.
//
// Starting the battle simulator is expensive compared to simulating a single
// match, so the Supervisor keeps one process alive and, for every match,
// creates a fresh Session, relays lines between the process's own stdio and
// the session, and destroys the session before moving on.
//
// # Reading Guide
//
//   - linechan/: line-framed channels (Source, Sink, Reader, Writer, Queue)
//   - session.go: the Session and Engine capabilities plus the engine registry
//   - relay.go: the line pump between two channels
//   - supervisor.go: the iteration loop and the START/END framing
//   - trace/: iteration records, run summaries and diagnostics sinks
//   - ledger/: SQLite persistence for iteration records
//
// # Engines
//
// Engines live in sub-packages and register themselves from init():
//   - engine/exec: one OS process per session
//   - engine/lua: an in-process scripted engine, one Lua state per session
//
// Binaries link the engines they support with blank imports.
package runner
