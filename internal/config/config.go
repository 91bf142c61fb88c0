package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the ClawGate control-plane gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Nodes     NodesConfig     `json:"nodes,omitempty"`
	Approvals ApprovalsConfig `json:"approvals,omitempty"`
	Lanes     LanesConfig     `json:"lanes,omitempty"`
	Presence  PresenceConfig  `json:"presence,omitempty"`
	Traces    TracesConfig    `json:"traces,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Canvas    CanvasConfig    `json:"canvas,omitempty"`
	Update    UpdateConfig    `json:"update,omitempty"`
	Wallet    WalletConfig    `json:"wallet,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the duplex RPC listener and its auth policy.
type GatewayConfig struct {
	Host              string              `json:"host"`
	Port              int                 `json:"port"`
	Token             string              `json:"-"` // from env CLAWGATE_GATEWAY_TOKEN only
	Password          string              `json:"-"` // from env CLAWGATE_GATEWAY_PASSWORD only
	AllowInsecureAuth bool                `json:"allow_insecure_auth,omitempty"` // dev only
	AllowedOrigins    FlexibleStringSlice `json:"allowed_origins,omitempty"`
	CanaryMethods     FlexibleStringSlice `json:"canary_methods,omitempty"`
	ShadowMethods     FlexibleStringSlice `json:"shadow_methods,omitempty"`
	DefaultScopes     FlexibleStringSlice `json:"default_scopes,omitempty"`
	AcceptRPS         float64             `json:"accept_rps,omitempty"` // websocket accept throttle, 0 = unlimited

	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// RateLimitConfig bounds failed auth attempts per (scope, client IP).
type RateLimitConfig struct {
	WindowSec       int  `json:"window_sec,omitempty"`  // default 60
	MaxAttempts     int  `json:"max_attempts,omitempty"` // default 10
	LockoutSec      int  `json:"lockout_sec,omitempty"`  // default 300
	ExemptLoopback  *bool `json:"exempt_loopback,omitempty"` // default true
}

// NodesConfig configures edge-node command routing.
type NodesConfig struct {
	BrowserTarget     string              `json:"browser_target,omitempty"`      // preferred nodeId for browser.request
	BrowserControlURL string              `json:"browser_control_url,omitempty"` // HTTP fallback when no node connected
	CommandsAllow     FlexibleStringSlice `json:"commands_allow,omitempty"`      // additions to platform defaults
	CommandsDeny      FlexibleStringSlice `json:"commands_deny,omitempty"`       // removals from platform defaults
	InvokeTimeoutMs   int                 `json:"invoke_timeout_ms,omitempty"`   // default 30000
}

// ApprovalsConfig configures exec-approval behaviour.
type ApprovalsConfig struct {
	DefaultTimeoutMs int                 `json:"default_timeout_ms,omitempty"` // default 60000
	ForwardChannels  FlexibleStringSlice `json:"forward_channels,omitempty"`   // outbound chat targets ("channel:chatId")
	SweepIntervalSec int                 `json:"sweep_interval_sec,omitempty"` // background sweeper, default 30
}

// LanesConfig bounds the per-session pending queue.
type LanesConfig struct {
	MaxQueueDepth int `json:"max_queue_depth,omitempty"` // default 100
}

// PresenceConfig bounds the connected-client roster.
type PresenceConfig struct {
	TTLSec     int `json:"ttl_sec,omitempty"`     // default 300
	MaxEntries int `json:"max_entries,omitempty"` // default 200
}

// TracesConfig bounds persisted run traces.
type TracesConfig struct {
	MaxStepChars int `json:"max_step_chars,omitempty"` // default 2000
}

// StorageConfig locates the slot store and session storage.
type StorageConfig struct {
	DataDir  string `json:"data_dir,omitempty"`  // default ~/.clawgate/data
	Sessions string `json:"sessions,omitempty"`  // default ~/.clawgate/sessions
}

// CanvasConfig derives the canvas host URL returned in the connect snapshot.
type CanvasConfig struct {
	HostURL string `json:"host_url,omitempty"` // env CLAWGATE_CANVAS_HOST overrides
}

// UpdateConfig configures the update.run command.
type UpdateConfig struct {
	Command string `json:"command,omitempty"` // shell command run by update.run
}

// WalletConfig locates the sealed default-wallet key. The unlock password
// comes from env only; when present at startup the key is decrypted into
// process memory.
type WalletConfig struct {
	KeyFile        string `json:"key_file,omitempty"` // default <data_dir>/wallet.key
	UnlockPassword string `json:"-"`                  // from env CLAWGATE_WALLET_PASSWORD only
}

// TelemetryConfig configures OTLP trace export for agent runs.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Section accessors return value copies taken under the config lock so a
// concurrent apply never tears a read. Apply replaces slice fields
// wholesale and never mutates them in place, so a copied header stays
// valid after the lock is released.

func (c *Config) GatewaySection() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

func (c *Config) NodesSection() NodesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Nodes
}

func (c *Config) ApprovalsSection() ApprovalsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Approvals
}

func (c *Config) LanesSection() LanesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Lanes
}

func (c *Config) PresenceSection() PresenceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Presence
}

func (c *Config) TracesSection() TracesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Traces
}

func (c *Config) CanvasSection() CanvasConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Canvas
}

func (c *Config) UpdateSection() UpdateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Update
}

func (c *Config) WalletSection() WalletConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Wallet
}

// MarshalDocument serializes the whole config under the read lock.
func (c *Config) MarshalDocument() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Nodes = src.Nodes
	c.Approvals = src.Approvals
	c.Lanes = src.Lanes
	c.Presence = src.Presence
	c.Traces = src.Traces
	c.Storage = src.Storage
	c.Canvas = src.Canvas
	c.Update = src.Update
	c.Wallet = src.Wallet
	c.Telemetry = src.Telemetry
}

// RateLimitWindowSec returns the configured window with defaults applied.
func (r RateLimitConfig) Window() int {
	if r.WindowSec > 0 {
		return r.WindowSec
	}
	return 60
}

func (r RateLimitConfig) Attempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 10
}

func (r RateLimitConfig) Lockout() int {
	if r.LockoutSec > 0 {
		return r.LockoutSec
	}
	return 300
}

func (r RateLimitConfig) LoopbackExempt() bool {
	if r.ExemptLoopback == nil {
		return true
	}
	return *r.ExemptLoopback
}

// MaxQueueDepth returns the lane cap with the default applied.
func (l LanesConfig) Depth() int {
	if l.MaxQueueDepth > 0 {
		return l.MaxQueueDepth
	}
	return 100
}

// InvokeTimeout returns the node invoke timeout in ms with the default applied.
func (n NodesConfig) InvokeTimeout() int {
	if n.InvokeTimeoutMs > 0 {
		return n.InvokeTimeoutMs
	}
	return 30000
}

// DefaultTimeout returns the approval wait timeout in ms with the default applied.
func (a ApprovalsConfig) DefaultTimeout() int {
	if a.DefaultTimeoutMs > 0 {
		return a.DefaultTimeoutMs
	}
	return 60000
}

// TTL returns the presence entry lifetime in seconds with the default applied.
func (p PresenceConfig) TTL() int {
	if p.TTLSec > 0 {
		return p.TTLSec
	}
	return 300
}

// Max returns the presence roster cap with the default applied.
func (p PresenceConfig) Max() int {
	if p.MaxEntries > 0 {
		return p.MaxEntries
	}
	return 200
}

// SweepInterval returns the approval sweeper cadence in seconds.
func (a ApprovalsConfig) SweepInterval() int {
	if a.SweepIntervalSec > 0 {
		return a.SweepIntervalSec
	}
	return 30
}

// StepChars returns the trace step payload cap with the default applied.
func (t TracesConfig) StepChars() int {
	if t.MaxStepChars > 0 {
		return t.MaxStepChars
	}
	return 2000
}
