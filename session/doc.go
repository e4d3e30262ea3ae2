// Package session implements the hybrid context store: a fast in-process
// map (always authoritative for the current process) backed by the shared
// key-value store for cross-process durability and restart survival.
//
// External writes are best effort. If the backing store is unreachable the
// in-process copy keeps serving the conversation and only a warning is
// logged; the accepted trade-off is losing sessions on process restart
// during such an outage. No cross-process lock is taken: two processes
// racing to save the same session resolve by last external writer wins,
// acceptable since a session belongs to one active conversation at a time.
package session
