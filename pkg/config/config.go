// Package config contains the application settings model and the logic
// required to load it from appsettings.json.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Settings models the top-level appsettings.json document.
type Settings struct {
	RateLimiting          RateLimiting `mapstructure:"RateLimiting" json:"RateLimiting"`
	RequestTrafficLogging bool         `mapstructure:"RequestTrafficLogging" json:"RequestTrafficLogging"`
	Swagger               Swagger      `mapstructure:"Swagger" json:"Swagger"`
	AllowedHosts          string       `mapstructure:"AllowedHosts" json:"AllowedHosts"`
	Logging               Logging      `mapstructure:"Logging" json:"Logging"`
}

// RateLimiting configures the per-IP and per-token buckets.
// Window values are in seconds.
type RateLimiting struct {
	Enabled     bool `mapstructure:"Enabled" json:"Enabled"`
	IPLimit     int  `mapstructure:"IpLimit" json:"IpLimit"`
	IPWindow    int  `mapstructure:"IpWindow" json:"IpWindow"`
	TokenLimit  int  `mapstructure:"TokenLimit" json:"TokenLimit"`
	TokenWindow int  `mapstructure:"TokenWindow" json:"TokenWindow"`
}

// Swagger toggles the externally rendered API documentation surface.
// The gateway only honours the authentication bypass for /swagger paths;
// document rendering happens elsewhere.
type Swagger struct {
	Enabled bool `mapstructure:"Enabled" json:"Enabled"`
}

// Logging configures log verbosity and the rotated-file directory.
type Logging struct {
	Level     string `mapstructure:"Level" json:"Level"`
	Directory string `mapstructure:"Directory" json:"Directory"`
}

// Default constants for settings omitted from appsettings.json.
const (
	defaultIPLimit     = 100
	defaultIPWindow    = 60
	defaultTokenLimit  = 1000
	defaultTokenWindow = 60
	defaultLogLevel    = "info"
	defaultLogDir      = "log"
)

// Default returns a fully populated Settings with default values.
func Default() *Settings {
	return &Settings{
		RateLimiting: RateLimiting{
			Enabled:     true,
			IPLimit:     defaultIPLimit,
			IPWindow:    defaultIPWindow,
			TokenLimit:  defaultTokenLimit,
			TokenWindow: defaultTokenWindow,
		},
		RequestTrafficLogging: false,
		Swagger:               Swagger{Enabled: false},
		AllowedHosts:          "*",
		Logging: Logging{
			Level:     defaultLogLevel,
			Directory: defaultLogDir,
		},
	}
}

// Load reads appsettings.json from path. A missing file yields the defaults;
// a present but malformed file is an error.
func Load(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return settings, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("RateLimiting.Enabled", defaults.RateLimiting.Enabled)
	v.SetDefault("RateLimiting.IpLimit", defaults.RateLimiting.IPLimit)
	v.SetDefault("RateLimiting.IpWindow", defaults.RateLimiting.IPWindow)
	v.SetDefault("RateLimiting.TokenLimit", defaults.RateLimiting.TokenLimit)
	v.SetDefault("RateLimiting.TokenWindow", defaults.RateLimiting.TokenWindow)
	v.SetDefault("RequestTrafficLogging", defaults.RequestTrafficLogging)
	v.SetDefault("Swagger.Enabled", defaults.Swagger.Enabled)
	v.SetDefault("AllowedHosts", defaults.AllowedHosts)
	v.SetDefault("Logging.Level", defaults.Logging.Level)
	v.SetDefault("Logging.Directory", defaults.Logging.Directory)
}

// Validate checks the settings for values the gateway cannot run with.
func (s *Settings) Validate() error {
	if s.RateLimiting.IPLimit <= 0 {
		return fmt.Errorf("RateLimiting.IpLimit must be positive, got %d", s.RateLimiting.IPLimit)
	}
	if s.RateLimiting.IPWindow <= 0 {
		return fmt.Errorf("RateLimiting.IpWindow must be positive, got %d", s.RateLimiting.IPWindow)
	}
	if s.RateLimiting.TokenLimit <= 0 {
		return fmt.Errorf("RateLimiting.TokenLimit must be positive, got %d", s.RateLimiting.TokenLimit)
	}
	if s.RateLimiting.TokenWindow <= 0 {
		return fmt.Errorf("RateLimiting.TokenWindow must be positive, got %d", s.RateLimiting.TokenWindow)
	}
	if s.AllowedHosts == "" {
		return fmt.Errorf("AllowedHosts must not be empty (use \"*\" to allow any host)")
	}
	return nil
}

// HostAllowed reports whether the request Host header is covered by
// AllowedHosts: either "*" or a CSV of exact hostnames, compared
// case-insensitively and without the port.
func (s *Settings) HostAllowed(hostport string) bool {
	if s.AllowedHosts == "*" {
		return true
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	for _, allowed := range strings.Split(s.AllowedHosts, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}
