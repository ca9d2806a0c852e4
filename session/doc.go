// Package session implements the session manager: the owner of all live
// sessions, their lifecycle state and their cancellation. The session table
// is sharded so unrelated sessions never contend on one lock; each session
// carries its own mutex guarding phase, sequence allocation and the closed
// flag, making "close" and "emit" decisions atomic per session.
//
// A session is created on the first inbound message, runs at most one
// pipeline at a time, and is reclaimed on explicit close, idle timeout, or a
// grace period after its terminal event.
package session
