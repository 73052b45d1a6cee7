// Package grid implements the per-node coherence engine of the
// distributed shared object cache.
//
// Every cached item ("line") is identified by a 64-bit id and governed by
// a directory-based MOESI-style protocol with four states, ordered
// I < S < O < E. A node is authoritative for a line (its owner) when the
// line is in state O or E; all other nodes hold at most a shared replica
// (S) or an invalidated one (I). Owned lines live in an unbounded table;
// shared replicas live in a weighted LRU bounded by the configured
// capacity.
//
// Local operations (Get, Set, Del, Put, Push, ...) and inbound protocol
// messages both drive the per-line state machine. Work that cannot
// complete in the line's current state is parked in per-line pending
// queues and re-evaluated whenever the line's state, owner or
// modified-flag changes. The line record's mutex is the sole ordering
// authority for everything that happens to a line.
//
// Ids in [0, MaxReservedID] are reserved: they are well-known,
// cluster-wide constants that survive deletion (a Del on a reserved id
// re-establishes exclusive ownership instead of failing).
package grid
