// Package gateway implements the RPC client for the local chat gateway.
//
// # Protocol
//
// The gateway speaks JSON frames over a single WebSocket: requests
// ("req" with id, method, params), responses ("res" with the request's
// id), and asynchronous events ("event" with an event name and payload).
// On connect the gateway sends a connect.challenge event; the client
// answers with a single "connect" request carrying protocol bounds, a
// client descriptor, the requested scopes, and the bearer token, and the
// connection is ready once the positive response arrives. If the first
// inbound frame is not a challenge the client optimistically treats the
// connection as already usable.
//
// # Chat Calls
//
// Chat sends a chat.send request bound to a session key with a fresh
// idempotency key, then collects correlated event frames until a chat
// event reports the final state. Responses are correlated by request id,
// promoted to the run id learned from the response; events without a run
// id fall back to session-key matching (see package correlate).
//
// Connection-class and empty-response failures are retried with capped
// exponential backoff, reconnecting between attempts; protocol-level
// rejections propagate immediately.
package gateway
