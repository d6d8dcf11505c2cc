// ABOUTME: Background service installation for the connector.
// ABOUTME: systemd user units on Linux, launchd agents on macOS.

// Package service installs the connector as a login service so it
// survives reboots without a terminal session. Linux gets a systemd
// user unit under ~/.config/systemd/user, macOS a launchd agent under
// ~/Library/LaunchAgents. Neither path needs root.
package service
