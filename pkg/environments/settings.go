package environments

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// settingsFileName is the settings document looked for in each directory.
const settingsFileName = "settings.json"

// RootSettings mirrors environments/settings.json.
type RootSettings struct {
	Environment RootEnvironment `json:"Environment"`
}

// RootEnvironment carries shared defaults and the environment allowlist.
// An empty allowlist leaves every environment eligible.
type RootEnvironment struct {
	ServerName          string   `json:"ServerName"`
	AllowedEnvironments []string `json:"AllowedEnvironments"`
}

// EnvironmentSettings mirrors environments/<env>/settings.json.
type EnvironmentSettings struct {
	ServerName       string `json:"ServerName"`
	ConnectionString string `json:"ConnectionString"`
}

// LoadRootSettings reads environments/settings.json under root. A missing
// file is not an error; the resolver then applies no allowlist and no
// default server name.
func LoadRootSettings(root string) (*RootSettings, error) {
	data, err := os.ReadFile(filepath.Join(root, settingsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read root environment settings: %w", err)
	}

	settings := &RootSettings{}
	if err := parseSettings(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse root environment settings: %w", err)
	}
	return settings, nil
}

// LoadEnvironmentSettings reads environments/<env>/settings.json under root.
func LoadEnvironmentSettings(root, env string) (*EnvironmentSettings, error) {
	data, err := os.ReadFile(filepath.Join(root, env, settingsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read settings for environment %q: %w", env, err)
	}

	settings := &EnvironmentSettings{}
	if err := parseSettings(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings for environment %q: %w", env, err)
	}
	return settings, nil
}

// parseSettings standardizes human-edited JSON (comments, trailing commas
// and so on) before unmarshalling.
func parseSettings(data []byte, out any) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(standardized, out)
}
