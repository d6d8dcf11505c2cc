// ABOUTME: Install, uninstall, and status for the connector service.
// ABOUTME: Shells out to systemctl --user or launchctl per platform.

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	systemdUnitName = "coven-connector"
	launchdLabel    = "dev.2389.coven-connector"
)

// ErrUnsupportedPlatform is returned on platforms without a service
// manager integration.
var ErrUnsupportedPlatform = errors.New("service installation is only supported on Linux and macOS")

// Manager installs the connector as a login service.
type Manager struct {
	logger *slog.Logger

	// Swapped in tests; default to the real environment.
	goos string
	home string
	exe  string
	run  func(name string, args ...string) (string, error)
}

// NewManager builds a manager for the current platform and executable.
func NewManager(logger *slog.Logger) (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable path: %w", err)
	}
	return &Manager{
		logger: logger.With("component", "service"),
		goos:   runtime.GOOS,
		home:   home,
		exe:    exe,
		run:    runCommand,
	}, nil
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Install writes the service definition and starts it. It returns a
// user-facing message with follow-up commands.
func (m *Manager) Install() (string, error) {
	switch m.goos {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	default:
		return "", ErrUnsupportedPlatform
	}
}

// Uninstall stops the service and removes its definition.
func (m *Manager) Uninstall() (string, error) {
	switch m.goos {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	default:
		return "", ErrUnsupportedPlatform
	}
}

// Status reports whether the service is running plus raw detail output.
func (m *Manager) Status() (bool, string, error) {
	switch m.goos {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	default:
		return false, "", ErrUnsupportedPlatform
	}
}

func (m *Manager) systemdUnitPath() string {
	return filepath.Join(m.home, ".config", "systemd", "user", systemdUnitName+".service")
}

func (m *Manager) systemdUnit() string {
	return fmt.Sprintf(`[Unit]
Description=Coven Connector
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s start --all
Restart=always
RestartSec=10

[Install]
WantedBy=default.target
`, m.exe)
}

func (m *Manager) installSystemd() (string, error) {
	path := m.systemdUnitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(m.systemdUnit()), 0o644); err != nil {
		return "", fmt.Errorf("writing unit file: %w", err)
	}

	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", systemdUnitName},
		{"--user", "start", systemdUnitName},
	} {
		if out, err := m.run("systemctl", args...); err != nil {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
		}
	}

	m.logger.Info("installed systemd user unit", "path", path)
	return fmt.Sprintf(`Service installed.

The connector starts on login and restarts if it crashes.

Useful commands:
  systemctl --user status %[1]s    # check status
  systemctl --user restart %[1]s   # restart
  journalctl --user -u %[1]s -f    # follow logs
`, systemdUnitName), nil
}

func (m *Manager) uninstallSystemd() (string, error) {
	// Stop and disable are best effort; the unit may already be gone.
	m.run("systemctl", "--user", "stop", systemdUnitName)
	m.run("systemctl", "--user", "disable", systemdUnitName)

	path := m.systemdUnitPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing unit file: %w", err)
	}
	if out, err := m.run("systemctl", "--user", "daemon-reload"); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}

	m.logger.Info("removed systemd user unit", "path", path)
	return "Service uninstalled.\n", nil
}

func (m *Manager) statusSystemd() (bool, string, error) {
	state, _ := m.run("systemctl", "--user", "is-active", systemdUnitName)
	state = strings.TrimSpace(state)
	if state == "" {
		state = "unknown"
	}
	details, _ := m.run("systemctl", "--user", "status", systemdUnitName, "--no-pager")
	return state == "active", fmt.Sprintf("Status: %s\n\n%s", state, details), nil
}

func (m *Manager) launchdPlistPath() string {
	return filepath.Join(m.home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func (m *Manager) launchdPlist() string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%[1]s</string>

    <key>ProgramArguments</key>
    <array>
        <string>%[2]s</string>
        <string>start</string>
        <string>--all</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>NetworkState</key>
        <true/>
    </dict>

    <key>StandardOutPath</key>
    <string>%[3]s/Library/Logs/coven-connector.log</string>

    <key>StandardErrorPath</key>
    <string>%[3]s/Library/Logs/coven-connector.error.log</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`, launchdLabel, m.exe, m.home)
}

func (m *Manager) installLaunchd() (string, error) {
	path := m.launchdPlistPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(m.home, "Library", "Logs"), 0o755); err != nil {
		return "", err
	}

	// Unload any previous version before overwriting.
	if _, err := os.Stat(path); err == nil {
		m.run("launchctl", "unload", path)
	}

	if err := os.WriteFile(path, []byte(m.launchdPlist()), 0o644); err != nil {
		return "", fmt.Errorf("writing plist: %w", err)
	}
	if out, err := m.run("launchctl", "load", path); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}

	m.logger.Info("installed launchd agent", "path", path)
	return fmt.Sprintf(`Service installed.

The connector starts on login and restarts if it crashes.

Useful commands:
  launchctl list | grep coven    # check if running
  launchctl stop %[1]s    # stop
  launchctl start %[1]s   # start

Logs:
  tail -f ~/Library/Logs/coven-connector.log
`, launchdLabel), nil
}

func (m *Manager) uninstallLaunchd() (string, error) {
	path := m.launchdPlistPath()
	if _, err := os.Stat(path); err == nil {
		m.run("launchctl", "unload", path)
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("removing plist: %w", err)
		}
	}
	m.logger.Info("removed launchd agent", "path", path)
	return "Service uninstalled.\n", nil
}

func (m *Manager) statusLaunchd() (bool, string, error) {
	out, err := m.run("launchctl", "list")
	if err != nil {
		return false, "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, launchdLabel) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] != "-" {
			return true, fmt.Sprintf("Service: %s\nPID: %s", launchdLabel, fields[0]), nil
		}
		return false, fmt.Sprintf("Service: %s\nPID: not running", launchdLabel), nil
	}
	return false, "Service not installed", nil
}
