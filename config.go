package actingdoll

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CodeneAria/actingdoll/internal/pathutil"
)

const (
	// DefaultListen is the default WebSocket endpoint the controller binds to.
	// Loopback by default: the control protocol has no transport encryption.
	DefaultListen = "127.0.0.1:8765"
	// DefaultRequireAuth gates privileged directives behind token auth.
	DefaultRequireAuth = true
	// DefaultCallTimeout bounds correlated request/response round-trips.
	DefaultCallTimeout = 10 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultMCPListen is the default endpoint of the MCP facade server.
	DefaultMCPListen = "127.0.0.1:3001"
	// DefaultConfigFileName is the config file looked up in the default
	// config directory when --config is not given.
	DefaultConfigFileName = "config.yaml"
)

// Config drives Server construction. The zero value plus ApplyDefaults
// yields a working loopback controller with no models and auth required.
type Config struct {
	// Listen is the host:port the WebSocket controller binds to.
	Listen string
	// ModelDir is the root directory holding Live2D model descriptors.
	// Empty means an empty model index.
	ModelDir string
	// RequireAuth gates file playback behind a successful auth exchange.
	RequireAuth bool
	// AuthToken is the shared token peers present to authenticate. With
	// RequireAuth set and no token configured, every privileged directive
	// is rejected.
	AuthToken string
	// AllowedDirs lists the directories wav files may be read from.
	AllowedDirs []string
	// CallTimeout bounds how long bridge calls wait for correlated
	// replies.
	CallTimeout time.Duration
	// MetricsListen is the Prometheus scrape endpoint. Empty disables it.
	MetricsListen string
	// NoConsole disables the interactive operator console on stdin.
	NoConsole bool
	// WatchModels rebuilds the model index when the model dir changes.
	WatchModels bool
}

// ApplyDefaults fills unset fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}

// Validate checks the configuration and expands path fields. It returns the
// first problem found.
func (c *Config) Validate() error {
	c.ApplyDefaults()
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics listen address %q: %w", c.MetricsListen, err)
		}
	}
	if c.ModelDir != "" {
		expanded, err := pathutil.ExpandUserAndEnv(c.ModelDir)
		if err != nil {
			return fmt.Errorf("model dir: %w", err)
		}
		c.ModelDir = expanded
	}
	for i, dir := range c.AllowedDirs {
		expanded, err := pathutil.ExpandUserAndEnv(dir)
		if err != nil {
			return fmt.Errorf("allowed dir %q: %w", dir, err)
		}
		c.AllowedDirs[i] = expanded
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.actingdoll, or $ACTINGDOLL_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ACTINGDOLL_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".actingdoll"), nil
}

// ParseAllowedDirs splits a colon-separated directory list, dropping empty
// entries.
func ParseAllowedDirs(s string) []string {
	var dirs []string
	for _, dir := range strings.Split(s, ":") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs
}
