// ABOUTME: Configuration loading for coven-watch
// ABOUTME: Loads TOML config from the coven XDG directory with environment variable expansion

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/coven-sessions/internal/config"
)

type Config struct {
	Server  string        `toml:"server"`
	Token   string        `toml:"token"`
	Display DisplayConfig `toml:"display"`
}

type DisplayConfig struct {
	Color     bool `toml:"color"`
	ShowTools bool `toml:"show_tools"`
	// MaxOutput truncates tool output; 0 hides it.
	MaxOutput int `toml:"max_output"`
}

func defaultConfig() *Config {
	return &Config{
		Server: "http://" + config.DefaultHTTPAddr,
		Display: DisplayConfig{
			Color:     true,
			ShowTools: true,
			MaxOutput: 200,
		},
	}
}

func configPath() string {
	if p := os.Getenv("COVEN_WATCH_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(config.ConfigHome(), "watch.toml")
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Validate checks that the server URL is usable.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("server is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("server must use http or https scheme")
	}
	if c.Display.MaxOutput < 0 {
		return errors.New("display.max_output must not be negative")
	}
	return nil
}

// token returns the configured token, else COVEN_SESSIONS_TOKEN, else the
// file written by coven-sessions token.
func (c *Config) token() string {
	if c.Token != "" {
		return strings.TrimSpace(c.Token)
	}
	if t := os.Getenv("COVEN_SESSIONS_TOKEN"); t != "" {
		return strings.TrimSpace(t)
	}
	data, err := os.ReadFile(filepath.Join(config.ConfigHome(), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
