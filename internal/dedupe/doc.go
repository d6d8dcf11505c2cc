// Package dedupe tracks recently handled job ids so a redelivered job or
// health-check event never produces a second terminal response.
package dedupe
