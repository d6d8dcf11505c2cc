// Package correlate maps outstanding request ids to pending waiters and
// routes inbound response/event frames back to them, with two-phase keying:
// request id first, then a later-learned run id, with session-key fallback
// while no run id is known.
package correlate
