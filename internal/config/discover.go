// ABOUTME: Discovery of named connector configs and the gateway auth token.
// ABOUTME: Reads sibling OpenClaw configuration without owning it.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// openclawConfigPath returns the gateway's own config file location.
func openclawConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// DiscoverGatewayToken reads the gateway auth token from the gateway's
// own config file. Returns "" when the file or field is absent.
func DiscoverGatewayToken() string {
	path := openclawConfigPath()
	if path == "" {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	var raw struct {
		Gateway struct {
			Auth struct {
				Token string `json:"token"`
			} `json:"auth"`
		} `json:"gateway"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ""
	}
	return raw.Gateway.Auth.Token
}

// DiscoverAll returns the names of every connector config in the config
// directory, sorted. The default config is reported as "".
func DiscoverAll() []string {
	entries, err := os.ReadDir(configDir())
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".toml") {
			continue
		}
		if name == "connector.toml" {
			names = append(names, "")
			continue
		}
		if strings.HasPrefix(name, "connector.") {
			names = append(names, strings.TrimSuffix(strings.TrimPrefix(name, "connector."), ".toml"))
		}
	}
	sort.Strings(names)
	return names
}
