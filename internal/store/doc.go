// Package store provides SQLite-backed persistence for the broker.
//
// # Overview
//
// The store holds delegates, delegate profiles, connections, queued tasks and
// the capability bookkeeping (requirements, per-delegate permissions,
// selection details) plus the selection decision log. Every entity gets its
// own file; the composed Store interface in store.go is what services depend
// on, so tests can swap in a real SQLiteStore over a temp file without
// mocking.
//
// # Concurrency Contract
//
// Cross-process races are resolved inside SQLite with conditional writes,
// never with in-process locks:
//
//   - AcquireTask performs the QUEUED -> STARTED transition only if the task
//     is still unassigned, reporting whether this caller won.
//   - Status transitions (abort, expire, finalize) are status-guarded UPDATEs,
//     so a late writer loses cleanly instead of clobbering a newer state.
//
// Callers must treat "zero rows affected" as losing a race, not as an error.
//
// # Schema
//
// The schema is created on open; there is no separate migration tool. WAL
// mode and a busy timeout are set per connection.
package store
