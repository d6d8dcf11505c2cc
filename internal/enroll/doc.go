// ABOUTME: One-shot enrollment against the relay's REST API.
// ABOUTME: Exchanges a short code for a connector identity.

// Package enroll implements the enrollment handshake. A user obtains a
// short pairing code from the relay dashboard; Enroll exchanges it for a
// connector identity (id, secret, agent binding) which is then persisted
// to the connector config. Revoke invalidates that identity server-side.
package enroll
