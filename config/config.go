package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openremote/openremote-sub007/errors"
	"github.com/openremote/openremote-sub007/pkg/tlsutil"
	"github.com/openremote/openremote-sub007/types"
)

// Environment variables read by the loader. The tunnel variables keep the
// names used by existing gateway deployments.
const (
	EnvPrefix                 = "GATEWAYFED"
	EnvTunnelSSHKeyFile       = "OR_GATEWAY_TUNNEL_SSH_KEY_FILE"
	EnvTunnelLocalhostRewrite = "OR_GATEWAY_TUNNEL_LOCALHOST_REWRITE"
)

// Storage backends
const (
	StorageBackendMemory = "memory"
	StorageBackendKV     = "nats-kv"
)

const redactedValue = "[REDACTED]"

// Duration is a time.Duration read from "30s" style strings or nanoseconds.
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// Config is the complete process configuration.
type Config struct {
	Version string        `json:"version,omitempty"`
	NATS    NATSConfig    `json:"nats"`
	Storage StorageConfig `json:"storage"`
	Central CentralConfig `json:"central"`
	Edge    EdgeConfig    `json:"edge"`
	HTTP    HTTPConfig    `json:"http"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
}

// StorageConfig selects where assets and edge connections are persisted.
type StorageConfig struct {
	Backend          string `json:"backend"`
	AssetBucket      string `json:"asset_bucket,omitempty"`
	ConnectionBucket string `json:"connection_bucket,omitempty"`
}

// GatewaySeed declares a gateway asset created at startup when missing.
type GatewaySeed struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Realm    string `json:"realm"`
	Secret   string `json:"secret,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// CentralConfig configures the central gateway service.
type CentralConfig struct {
	Enabled                bool          `json:"enabled"`
	TunnelSSHHostname      string        `json:"tunnel_ssh_hostname,omitempty"`
	TunnelSSHPort          int           `json:"tunnel_ssh_port,omitempty"`
	TunnelHostname         string        `json:"tunnel_hostname,omitempty"`
	TunnelTCPStart         int           `json:"tunnel_tcp_start,omitempty"`
	TunnelAutoCloseMinutes int           `json:"tunnel_auto_close_minutes,omitempty"`
	TokenTTL               Duration      `json:"token_ttl,omitempty"`
	Gateways               []GatewaySeed `json:"gateways,omitempty"`
}

// TunnelAutoClose returns the tunnel auto close delay, zero when disabled.
func (c CentralConfig) TunnelAutoClose() time.Duration {
	return time.Duration(c.TunnelAutoCloseMinutes) * time.Minute
}

// EdgeConfig configures the edge gateway client service.
type EdgeConfig struct {
	Enabled          bool                      `json:"enabled"`
	SSHKeyFile       string                    `json:"ssh_key_file,omitempty"`
	KnownHostsFile   string                    `json:"known_hosts_file,omitempty"`
	LocalhostRewrite string                    `json:"localhost_rewrite,omitempty"`
	TLS              tlsutil.ClientConfig      `json:"tls,omitempty"`
	Connections      []types.GatewayConnection `json:"connections,omitempty"`
}

// TunnellingAvailable reports whether the SSH key file exists. Without it
// the edge runs without tunnel support.
func (e EdgeConfig) TunnellingAvailable() bool {
	if e.SSHKeyFile == "" {
		return false
	}
	info, err := os.Stat(e.SSHKeyFile)
	return err == nil && info.Mode().IsRegular()
}

// AdminToken grants REST access to the bearer of Token.
type AdminToken struct {
	Token     string `json:"token"`
	Subject   string `json:"subject,omitempty"`
	Realm     string `json:"realm,omitempty"`
	SuperUser bool   `json:"super_user,omitempty"`
}

// HTTPConfig configures the REST and websocket listener.
type HTTPConfig struct {
	ListenAddress  string               `json:"listen_address"`
	MaxRequestSize int64                `json:"max_request_size,omitempty"`
	TLS            tlsutil.ServerConfig `json:"tls,omitempty"`
	AdminTokens    []AdminToken         `json:"admin_tokens,omitempty"`
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !c.Central.Enabled && !c.Edge.Enabled {
		add("at least one of central or edge must be enabled")
	}

	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendKV:
		if !c.NATS.Enabled {
			add("storage backend %s requires nats.enabled", StorageBackendKV)
		}
		if c.Storage.AssetBucket == "" || c.Storage.ConnectionBucket == "" {
			add("storage buckets are required for backend %s", StorageBackendKV)
		}
	default:
		add("unknown storage backend %q", c.Storage.Backend)
	}

	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		add("nats.urls is required when nats is enabled")
	}

	if c.Central.Enabled {
		if !validPort(c.Central.TunnelSSHPort, true) {
			add("central.tunnel_ssh_port %d out of range", c.Central.TunnelSSHPort)
		}
		if !validPort(c.Central.TunnelTCPStart, true) {
			add("central.tunnel_tcp_start %d out of range", c.Central.TunnelTCPStart)
		}
		if c.Central.TunnelAutoCloseMinutes < 0 {
			add("central.tunnel_auto_close_minutes must not be negative")
		}
		for i, g := range c.Central.Gateways {
			if g.ID == "" || g.Realm == "" {
				add("central.gateways[%d] requires id and realm", i)
			}
		}
	}

	if c.Edge.Enabled {
		seen := make(map[string]bool)
		for i := range c.Edge.Connections {
			conn := &c.Edge.Connections[i]
			if err := conn.Validate(); err != nil {
				add("edge.connections[%d]: %v", i, err)
			}
			if seen[conn.LocalRealm] {
				add("edge.connections[%d]: duplicate local realm %q", i, conn.LocalRealm)
			}
			seen[conn.LocalRealm] = true
		}
		if err := c.Edge.TLS.Validate(); err != nil {
			add("edge.tls: %v", err)
		}
	}

	if c.HTTP.ListenAddress == "" {
		add("http.listen_address is required")
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		add("http.tls: %v", err)
	}
	for i, t := range c.HTTP.AdminTokens {
		if t.Token == "" {
			add("http.admin_tokens[%d] requires a token", i)
		}
		if !t.SuperUser && t.Realm == "" {
			add("http.admin_tokens[%d] requires a realm or super_user", i)
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

func validPort(port int, optional bool) bool {
	if port == 0 {
		return optional
	}
	return port > 0 && port <= 65535
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy with every secret masked, safe to log.
func (c *Config) Redacted() *Config {
	r := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&r.NATS.Password)
	mask(&r.NATS.Token)
	for i := range r.Central.Gateways {
		mask(&r.Central.Gateways[i].Secret)
	}
	for i := range r.Edge.Connections {
		mask(&r.Edge.Connections[i].ClientSecret)
	}
	for i := range r.HTTP.AdminTokens {
		mask(&r.HTTP.AdminTokens[i].Token)
	}
	return r
}

// String returns the redacted configuration as JSON
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()
	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file overrides a field.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Storage: StorageConfig{
			Backend:          StorageBackendMemory,
			AssetBucket:      "gateway_assets",
			ConnectionBucket: "gateway_connections",
		},
		Central: CentralConfig{
			TunnelSSHPort:          2222,
			TunnelTCPStart:         9000,
			TunnelAutoCloseMinutes: 0,
			TokenTTL:               Duration(5 * time.Minute),
		},
		HTTP: HTTPConfig{
			ListenAddress: ":8080",
		},
	}
}

// loadRaw reads a JSON or YAML layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(key string) (string, bool, error) {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
		}
		return val, true, nil
	}

	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{l.envPrefix + "_NATS_URLS", func(v string) error { cfg.NATS.URLs = strings.Split(v, ","); return nil }},
		{l.envPrefix + "_NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{l.envPrefix + "_NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{l.envPrefix + "_NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{l.envPrefix + "_HTTP_LISTEN_ADDRESS", func(v string) error { cfg.HTTP.ListenAddress = v; return nil }},
		{l.envPrefix + "_CENTRAL_TUNNEL_SSH_HOSTNAME", func(v string) error { cfg.Central.TunnelSSHHostname = v; return nil }},
		{l.envPrefix + "_CENTRAL_TUNNEL_SSH_PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.Central.TunnelSSHPort = port
			return nil
		}},
		{EnvTunnelSSHKeyFile, func(v string) error { cfg.Edge.SSHKeyFile = v; return nil }},
		{EnvTunnelLocalhostRewrite, func(v string) error { cfg.Edge.LocalhostRewrite = v; return nil }},
	}

	for _, o := range overrides {
		val, ok, err := lookup(o.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.apply(val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, o.key, err),
				"Loader", "applyEnvOverrides", "apply "+o.key)
		}
	}
	return nil
}
