// Package session manages isolated gateway conversation contexts for
// concurrent jobs.
//
// # Lifecycle Policies
//
// Two mutually exclusive policies implement the Lifecycle interface:
//
//   - Pool: a fixed set of sessions created up front, lent out and
//     returned; history is wiped on release so the next borrower starts
//     clean.
//   - Fresh: a brand-new session per acquisition, deleted on release;
//     concurrency is bounded by a semaphore of the same size.
//
// Acquire blocks until a slot is free. Both policies guarantee that at
// most one in-flight job uses a given session id at any instant.
//
// # Shared Session Table
//
// The gateway's sessions.json is read and written by the gateway process
// itself and potentially by other tools. Every read-modify-write in this
// package goes through an advisory lock file next to the table; the
// table is never assumed to be in-process exclusive.
//
// # Agent Snapshot
//
// New sessions are seeded from a snapshot of the primary agent's record
// (model, provider, skills, system prompt report) so connector-served
// answers reflect the same capability surface as the user-facing agent.
package session
