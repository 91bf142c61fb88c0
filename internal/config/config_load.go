package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Lanes:    LanesConfig{MaxQueueDepth: 100},
		Presence: PresenceConfig{TTLSec: 300, MaxEntries: 200},
		Traces:   TracesConfig{MaxStepChars: 2000},
		Storage: StorageConfig{
			DataDir:  "~/.clawgate/data",
			Sessions: "~/.clawgate/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWGATE_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("CLAWGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("CLAWGATE_ALLOW_INSECURE_AUTH"); v != "" {
		c.Gateway.AllowInsecureAuth = v == "true" || v == "1"
	}

	envStr("CLAWGATE_DATA_DIR", &c.Storage.DataDir)
	envStr("CLAWGATE_SESSIONS_STORAGE", &c.Storage.Sessions)

	// Canvas host env var overrides the derived value.
	envStr("CLAWGATE_CANVAS_HOST", &c.Canvas.HostURL)

	// Wallet unlock password is env-only, never read from the file.
	envStr("CLAWGATE_WALLET_PASSWORD", &c.Wallet.UnlockPassword)
	envStr("CLAWGATE_WALLET_KEY_FILE", &c.Wallet.KeyFile)

	envStr("CLAWGATE_BROWSER_CONTROL_URL", &c.Nodes.BrowserControlURL)
	envStr("CLAWGATE_UPDATE_COMMAND", &c.Update.Command)

	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after replacing config contents to restore runtime secrets.
// Safe against concurrent section reads.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to RPC clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.Password)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// DataDir returns the expanded data directory path.
func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.DataDir)
}

// SessionsDir returns the expanded sessions storage path.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Storage.Sessions)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
