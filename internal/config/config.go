// Package config provides gateway configuration.
//
// Configuration is loaded from <workspace>/.wingman/wingman.config.json
// (or the path in WINGMAN_GATEWAY_CONFIG) and then overlaid with
// environment variables, which always take precedence. All timeouts and
// operational parameters are configurable.
//
// Configuration categories:
//   - Gateway: listen address, auth mode, fs roots, node capacity, heartbeats
//   - Scheduler: concurrency, retry backoff
//   - Agents: the resolved agent list and routing bindings
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalid marks configuration that failed validation. main exits with
// status 2 when it sees this, per the gateway's exit-code contract.
var ErrInvalid = errors.New("invalid configuration")

// AuthMode selects how connect frames are authenticated.
type AuthMode string

const (
	AuthNone     AuthMode = "none"
	AuthToken    AuthMode = "token"
	AuthPassword AuthMode = "password"
)

// Millis is a duration that marshals as integer milliseconds in JSON,
// matching the *Ms option naming in wingman.config.json. A JSON string
// is also accepted and parsed with time.ParseDuration ("90s", "10m").
type Millis time.Duration

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*m = Millis(d)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*m = Millis(time.Duration(n) * time.Millisecond)
	return nil
}

// AuthConfig controls connect-frame authentication.
type AuthConfig struct {
	Mode           AuthMode `json:"mode"`
	Token          string   `json:"token,omitempty"`
	Password       string   `json:"password,omitempty"`
	AllowTailscale bool     `json:"allowTailscale,omitempty"`
}

// GatewayConfig holds connection-layer and node-registry configuration.
type GatewayConfig struct {
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Auth             AuthConfig `json:"auth"`
	FSRoots          []string `json:"fsRoots,omitempty"`
	MaxNodes         int      `json:"maxNodes"`
	MaxFrameBytes    int      `json:"maxFrameBytes"`
	PingInterval     Millis   `json:"pingInterval"`
	PingTimeout      Millis   `json:"pingTimeout"`
	MessageWindowMs  Millis   `json:"messageWindowMs"`
	MessageRateLimit int      `json:"messageRateLimit"`
	PollTimeoutMs    Millis   `json:"pollTimeoutMs"`
	MailboxDepth     int      `json:"mailboxDepth"`
}

// SchedulerConfig holds request scheduling and retry configuration.
type SchedulerConfig struct {
	MaxConcurrentRequests  int    `json:"maxConcurrentRequests"`
	ServerMaxRequestDur    Millis `json:"serverMaxRequestDuration"`
	GracefulShutdownMs     Millis `json:"gracefulShutdownMs"`
	RetryBase              Millis `json:"retryBase"`
	RetryMaxBackoff        Millis `json:"retryMaxBackoff"`
	RetryJitterMs          Millis `json:"retryJitterMs"`
	RetryMaxAttempts       int    `json:"retryMaxAttempts"`
	CoordinatorIdleTimeout Millis `json:"coordinatorIdleTimeout"`
}

// Binding maps a routing match pattern to an agent.
type Binding struct {
	Match   RoutingMatch `json:"match"`
	AgentID string       `json:"agentId"`
}

// RoutingMatch is the subset of domain.Routing fields a Binding compares
// against; unset fields are wildcards.
type RoutingMatch struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	PeerKind  string `json:"peerKind,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
}

// AgentsConfig holds the resolved agent list and routing bindings.
type AgentsConfig struct {
	List     []string  `json:"list"`
	Bindings []Binding `json:"bindings,omitempty"`
}

// Config holds all gateway configuration.
type Config struct {
	LogLevel       string          `json:"logLevel"`
	RecursionLimit int             `json:"recursionLimit,omitempty"`
	DefaultAgent   string          `json:"defaultAgent,omitempty"`
	Gateway        GatewayConfig   `json:"gateway"`
	Scheduler      SchedulerConfig `json:"scheduler"`
	Agents         AgentsConfig    `json:"agents"`

	// Derived at load time, not part of the JSON document.
	WorkspaceDir string `json:"-"`
	DBPath       string `json:"-"`
	AttachmentsDir string `json:"-"`

	// agentsMu guards runtime mutation of Agents (POST/PUT /api/agents/{id}).
	// A pointer so Config remains copyable (a config reload assigns
	// *cfg = *newCfg wholesale); nil until first use.
	agentsMu *sync.Mutex `json:"-"`
}

// UpsertAgent adds agentID to the resolved agent list if it is not
// already present, and replaces any routing bindings for it with
// bindings; an empty bindings removes every binding for agentID. Used by
// POST/PUT /api/agents/{id}.
func (c *Config) UpsertAgent(agentID string, bindings []RoutingMatch) {
	if c.agentsMu == nil {
		c.agentsMu = &sync.Mutex{}
	}
	c.agentsMu.Lock()
	defer c.agentsMu.Unlock()

	found := false
	for _, id := range c.Agents.List {
		if id == agentID {
			found = true
			break
		}
	}
	if !found {
		c.Agents.List = append(c.Agents.List, agentID)
	}

	kept := c.Agents.Bindings[:0:0]
	for _, b := range c.Agents.Bindings {
		if b.AgentID != agentID {
			kept = append(kept, b)
		}
	}
	for _, m := range bindings {
		kept = append(kept, Binding{Match: m, AgentID: agentID})
	}
	c.Agents.Bindings = kept
}

// HasAgent reports whether agentID is in the resolved agent list.
func (c *Config) HasAgent(agentID string) bool {
	for _, id := range c.ResolvedAgents() {
		if id == agentID {
			return true
		}
	}
	return false
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Host:             "127.0.0.1",
			Port:             8765,
			Auth:             AuthConfig{Mode: AuthNone},
			MaxNodes:         1000,
			MaxFrameBytes:    1 << 20,
			PingInterval:     Millis(30 * time.Second),
			PingTimeout:      Millis(90 * time.Second),
			MessageWindowMs:  Millis(60 * time.Second),
			MessageRateLimit: 100,
			PollTimeoutMs:    Millis(25 * time.Second),
			MailboxDepth:     256,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentRequests:  64,
			ServerMaxRequestDur:    Millis(10 * time.Minute),
			GracefulShutdownMs:     Millis(5 * time.Second),
			RetryBase:              Millis(500 * time.Millisecond),
			RetryMaxBackoff:        Millis(4 * time.Second),
			RetryJitterMs:          Millis(200 * time.Millisecond),
			RetryMaxAttempts:       3,
			CoordinatorIdleTimeout: Millis(60 * time.Second),
		},
	}
}

// WorkspaceConfigPath returns the path to the workspace-level config file
// honored by Load, following WINGMAN_GATEWAY_CONFIG if set.
func WorkspaceConfigPath(workspaceDir string) string {
	if p := os.Getenv("WINGMAN_GATEWAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(workspaceDir, ".wingman", "wingman.config.json")
}

// Load reads wingman.config.json (if present) under workspaceDir, overlays
// environment variables, and validates the result.
func Load(workspaceDir string) (*Config, error) {
	cfg := defaultConfig()
	cfg.WorkspaceDir = workspaceDir

	path := WorkspaceConfigPath(workspaceDir)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverlay(&cfg)

	cfg.DBPath = filepath.Join(workspaceDir, ".wingman", "gateway.db")
	cfg.AttachmentsDir = filepath.Join(workspaceDir, ".wingman", "attachments")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return &cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	cfg.LogLevel = getEnv("WINGMAN_LOG_LEVEL", cfg.LogLevel)
	if tok := os.Getenv("WINGMAN_GATEWAY_TOKEN"); tok != "" {
		cfg.Gateway.Auth.Token = tok
		if cfg.Gateway.Auth.Mode == AuthNone {
			cfg.Gateway.Auth.Mode = AuthToken
		}
	}
	cfg.Gateway.MaxNodes = getEnvInt("WINGMAN_MAX_NODES", cfg.Gateway.MaxNodes)
	cfg.Gateway.Port = getEnvInt("WINGMAN_GATEWAY_PORT", cfg.Gateway.Port)
	cfg.Gateway.Auth.AllowTailscale = getEnvBool("WINGMAN_ALLOW_TAILSCALE", cfg.Gateway.Auth.AllowTailscale)
	cfg.Gateway.PingInterval = Millis(getEnvDuration("WINGMAN_PING_INTERVAL", cfg.Gateway.PingInterval.Duration()))
	cfg.Gateway.PingTimeout = Millis(getEnvDuration("WINGMAN_PING_TIMEOUT", cfg.Gateway.PingTimeout.Duration()))
	cfg.Scheduler.MaxConcurrentRequests = getEnvInt("WINGMAN_MAX_CONCURRENT_REQUESTS", cfg.Scheduler.MaxConcurrentRequests)
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway.port must be positive")
	}
	if c.Gateway.MaxNodes <= 0 {
		return fmt.Errorf("gateway.maxNodes must be positive")
	}
	switch c.Gateway.Auth.Mode {
	case AuthNone, AuthToken, AuthPassword:
	default:
		return fmt.Errorf("gateway.auth.mode must be one of none|token|password")
	}
	if c.Gateway.Auth.Mode == AuthToken && c.Gateway.Auth.Token == "" {
		return fmt.Errorf("gateway.auth.token required when auth.mode=token")
	}
	if c.Gateway.Auth.Mode == AuthPassword && c.Gateway.Auth.Password == "" {
		return fmt.Errorf("gateway.auth.password required when auth.mode=password")
	}
	if c.Scheduler.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("scheduler.maxConcurrentRequests must be positive")
	}
	return nil
}

// Addr returns the host:port the gateway should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// ResolvedAgents returns the configured agent list, falling back to
// DefaultAgent alone when the list is empty.
func (c *Config) ResolvedAgents() []string {
	if len(c.Agents.List) > 0 {
		return c.Agents.List
	}
	if c.DefaultAgent != "" {
		return []string{c.DefaultAgent}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
