// Package relay implements the cloud-facing side of the connector.
//
// # Transport
//
// Transport owns the single WebSocket to the relay. Frames are JSON
// objects carrying an event name and a data payload. Inbound frames are
// dispatched from one read loop through an explicit event-to-handler
// table registered before the transport runs. Reconnection is built in:
// unbounded attempts with capped exponential backoff, with lifecycle
// hooks for connect, disconnect, and connect errors.
//
// # Connector
//
// Connector drives the cloud session: it refuses to run unless the
// identity is fully enrolled, probes the local gateway once, then lets
// the transport connect. The relay initiates authentication with a
// challenge event; the connector signs challenge:timestamp with either
// the enrolled HMAC secret or an ed25519 private key, sends the auth
// message, and discards the challenge — a retry always waits for a
// fresh one. Successful auth starts the 30s heartbeat.
//
// Job and health-check events are answered with exactly one terminal
// job_response each; gateway failures are converted into error
// responses, never connector crashes.
package relay
