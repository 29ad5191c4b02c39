// Package core implements the role & election engine and the log
// replicator of the cluster: a tick-driven consensus state machine
// over a static membership.
//
// The engine is single-threaded by construction. The caller owns the
// thread: it calls Engine.Periodic with the elapsed milliseconds on a
// stable cadence, feeds received protocol messages through Engine.Step,
// and drains Engine.Ready to learn what must happen next. The Ready
// contract is strict: HardState and Entries must reach stable storage
// before Messages are handed to the transport, and CommitEntries may be
// applied to the state machine in position order afterwards.
//
// Client commands enter through Engine.Propose, which only succeeds on
// the current leader. Proposals become visible in CommitEntries once a
// strict majority of members acknowledged them, and only once an entry
// of the leader's own term has been committed (prior-term entries are
// committed indirectly, never by counting their own acknowledgments).
//
// When the engine asks for a snapshot install (a follower too far
// behind), the application restores the image and then calls
// Engine.ApplySnapshot so the engine can rebuild its log window.
package core
