// Package config handles connector configuration and enrollment identity.
//
// # Configuration File
//
// Configuration is TOML with ${VAR} environment variable expansion.
// Default locations (in order):
//
//  1. Path from COVEN_CONNECTOR_CONFIG environment variable
//  2. ~/.config/coven/connector.toml
//
// Named configurations for running several enrolled identities live next
// to the default as connector.<name>.toml and are found by DiscoverAll.
//
// # Identity
//
// Enrollment writes connector_id, secret (hex HMAC key) or
// private_key_path (OpenSSH ed25519), agent_id and agent_name into the
// [identity] section. Save always applies owner-only (0600) permissions.
//
// # Gateway Token Discovery
//
// When [gateway].token is empty, EffectiveGatewayToken falls back to the
// token in the sibling ~/.openclaw/openclaw.json (gateway.auth.token),
// so a connector running next to the gateway needs no manual token copy.
package config
